package dr2p

import (
	"encoding/json"
)

// HeadVersion is the protocol version stamped on every head the core emits.
// The wire format has room to negotiate this later; today it is pinned.
const HeadVersion = "0"

const (
	typeRequest  = "request"
	typeResponse = "response"

	codeOK = "OK"
)

// CookieEntry is one Set-Cookie instruction carried on a response head.
// Entries are applied in order, so a later entry for the same key wins.
type CookieEntry struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// Head is the DR2P frame head described in spec.md §3. It carries the
// well-known fields as named struct fields and everything else (headers a
// caller attached via WithHeaders, or a handler via Context.SetHeader) in
// Extra, the overflow map. toFrame/headFromFrame merge the two so unknown keys
// round-trip verbatim through any transport that treats the head as an
// opaque string-keyed map.
type Head struct {
	Type       string
	ID         string
	Version    string
	Host       string
	Path       string
	Code       string
	BodyType   string
	NoResponse bool
	Continued  *bool
	Cookie     map[string]string
	SetCookie  []CookieEntry
	Extra      map[string]string
}

// setExtra records a caller-supplied header in the overflow map.
func (h *Head) setExtra(key, value string) {
	if h.Extra == nil {
		h.Extra = make(map[string]string)
	}
	h.Extra[key] = value
}

// toFrame flattens the head into the string-keyed attribute map the frame
// transport contract (spec.md §6) expects to carry.
func (h Head) toFrame() map[string]any {
	m := make(map[string]any, len(h.Extra)+10)
	for k, v := range h.Extra {
		m[k] = v
	}
	setIf(m, "Type", h.Type)
	setIf(m, "ID", h.ID)
	setIf(m, "Version", h.Version)
	setIf(m, "Host", h.Host)
	setIf(m, "Path", h.Path)
	setIf(m, "Code", h.Code)
	setIf(m, "Body_Type", h.BodyType)
	if h.NoResponse {
		m["No_Response"] = true
	}
	if h.Continued != nil {
		m["Continued"] = *h.Continued
	}
	if len(h.Cookie) > 0 {
		m["Cookie"] = h.Cookie
	}
	if len(h.SetCookie) > 0 {
		m["Set_Cookie"] = h.SetCookie
	}
	return m
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// knownHeadKeys lists the attribute names headFromFrame consumes into named
// fields; anything else in the frame lands in Extra.
var knownHeadKeys = map[string]struct{}{
	"Type": {}, "ID": {}, "Version": {}, "Host": {}, "Path": {}, "Code": {},
	"Body_Type": {}, "No_Response": {}, "Continued": {}, "Cookie": {}, "Set_Cookie": {},
}

// headFromFrame is the inverse of toFrame: it recovers a Head from the
// generic attribute map a Transport.Recv handed back.
func headFromFrame(m map[string]any) Head {
	var h Head
	h.Type, _ = m["Type"].(string)
	h.ID, _ = m["ID"].(string)
	h.Version, _ = m["Version"].(string)
	h.Host, _ = m["Host"].(string)
	h.Path, _ = m["Path"].(string)
	h.Code, _ = m["Code"].(string)
	h.BodyType, _ = m["Body_Type"].(string)
	if b, ok := m["No_Response"].(bool); ok {
		h.NoResponse = b
	}
	if b, ok := m["Continued"].(bool); ok {
		h.Continued = &b
	}
	if c, ok := m["Cookie"].(map[string]string); ok {
		h.Cookie = c
	} else if c, ok := m["Cookie"].(map[string]any); ok {
		h.Cookie = make(map[string]string, len(c))
		for k, v := range c {
			if s, ok := v.(string); ok {
				h.Cookie[k] = s
			}
		}
	}
	switch sc := m["Set_Cookie"].(type) {
	case []CookieEntry:
		h.SetCookie = sc
	case []any:
		for _, e := range sc {
			if ce, ok := decodeCookieEntry(e); ok {
				h.SetCookie = append(h.SetCookie, ce)
			}
		}
	}
	for k, v := range m {
		if _, known := knownHeadKeys[k]; known {
			continue
		}
		if s, ok := v.(string); ok {
			if h.Extra == nil {
				h.Extra = make(map[string]string)
			}
			h.Extra[k] = s
		}
	}
	return h
}

func decodeCookieEntry(v any) (CookieEntry, bool) {
	switch e := v.(type) {
	case CookieEntry:
		return e, true
	case map[string]any:
		key, _ := e["Key"].(string)
		val, _ := e["Value"].(string)
		return CookieEntry{Key: key, Value: val}, true
	case map[string]string:
		return CookieEntry{Key: e["Key"], Value: e["Value"]}, true
	}
	return CookieEntry{}, false
}

// String renders a Head for log lines; it never needs to round-trip.
func (h Head) String() string {
	data, err := json.Marshal(h.toFrame())
	if err != nil {
		return "<head>"
	}
	return string(data)
}
