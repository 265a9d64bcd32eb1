package ingestion

import (
	"net/url"
	"strings"
)

// InferredMetadata holds the region, water type, and doc type inferred from
// a regulations page URL. CLI flags take precedence over inferred values —
// this is the "best-effort" fallback when the user doesn't specify explicit
// metadata.
type InferredMetadata struct {
	// Region is the jurisdiction the regulations apply to (nsw, qld, vic,
	// sa, wa, tas, nt, generic).
	Region string
	// WaterType is freshwater, saltwater, or all.
	WaterType string
	// DocType classifies the page (rules, limits, seasons, licensing).
	DocType string
}

// agencyRegions maps known fisheries agency hostnames to the canonical
// region label used in document metadata.
var agencyRegions = map[string]string{
	"www.dpi.nsw.gov.au":       "nsw",
	"dpi.nsw.gov.au":           "nsw",
	"www.fisheries.qld.gov.au": "qld",
	"fisheries.qld.gov.au":     "qld",
	"www.daf.qld.gov.au":       "qld",
	"vfa.vic.gov.au":           "vic",
	"www.vfa.vic.gov.au":       "vic",
	"pir.sa.gov.au":            "sa",
	"www.pir.sa.gov.au":        "sa",
	"www.fish.wa.gov.au":       "wa",
	"fish.wa.gov.au":           "wa",
	"nre.tas.gov.au":           "tas",
	"fisheries.nt.gov.au":      "nt",
}

// InferMetadata inspects a regulations source URL and returns best-effort
// metadata. If the URL doesn't match any known pattern the returned fields
// contain sensible defaults ("generic", "all", "rules").
func InferMetadata(rawURL string) InferredMetadata {
	m := InferredMetadata{
		Region:    "generic",
		WaterType: "all",
		DocType:   "rules",
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return m
	}

	host := strings.ToLower(parsed.Hostname())
	segments := trimSegments(strings.ToLower(parsed.Path))

	if region, ok := agencyRegions[host]; ok {
		m.Region = region
	}

	inferWaterType(segments, &m)
	inferDocType(segments, &m)

	return m
}

// inferWaterType detects freshwater/saltwater pages from path segments.
func inferWaterType(segments []string, m *InferredMetadata) {
	for _, seg := range segments {
		switch {
		case strings.Contains(seg, "freshwater") || strings.Contains(seg, "inland"):
			m.WaterType = "freshwater"
			return
		case strings.Contains(seg, "saltwater") || strings.Contains(seg, "marine") ||
			strings.Contains(seg, "estuar"):
			m.WaterType = "saltwater"
			return
		}
	}
}

// inferDocType classifies the page kind from path segments. The first
// matching segment wins, shallowest first.
func inferDocType(segments []string, m *InferredMetadata) {
	for _, seg := range segments {
		switch {
		case strings.Contains(seg, "licen") || strings.Contains(seg, "permit"):
			m.DocType = "licensing"
			return
		case strings.Contains(seg, "season") || strings.Contains(seg, "closure") ||
			strings.Contains(seg, "closed"):
			m.DocType = "seasons"
			return
		case strings.Contains(seg, "limit") || strings.Contains(seg, "bag") ||
			strings.Contains(seg, "size"):
			m.DocType = "limits"
			return
		}
	}
}

// trimSegments splits a URL path into non-empty lowercase segments.
func trimSegments(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
