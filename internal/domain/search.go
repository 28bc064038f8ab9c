package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

type SearchRequest struct {
	Query         string
	OriginalTitle string
	Smart         bool
}

// SearchItem is one upstream record. Identity within a request is
// (SiteKey, ID). The typed fields are read from Raw, which keeps every
// upstream field as received and is what gets marshalled back.
type SearchItem struct {
	ID       FlexString `json:"vod_id"`
	Title    string     `json:"vod_name"`
	Poster   string     `json:"vod_pic"`
	Remarks  string     `json:"vod_remarks"`
	Year     FlexString `json:"vod_year"`
	Category string     `json:"type_name"`
	Content  string     `json:"vod_content"`
	PlayFrom string     `json:"vod_play_from"`
	PlayURL  string     `json:"vod_play_url"`
	SiteKey  string     `json:"site_key,omitempty"`
	SiteName string     `json:"site_name,omitempty"`

	Raw map[string]json.RawMessage `json:"-"`
}

type searchItemFields SearchItem

// UnmarshalJSON accepts any JSON object. Fields of an unexpected type read
// as empty instead of failing the item.
func (i *SearchItem) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = SearchItem{
		ID:       FlexString(strings.TrimSpace(scalarText(raw["vod_id"]))),
		Title:    scalarText(raw["vod_name"]),
		Poster:   scalarText(raw["vod_pic"]),
		Remarks:  scalarText(raw["vod_remarks"]),
		Year:     FlexString(strings.TrimSpace(scalarText(raw["vod_year"]))),
		Category: scalarText(raw["type_name"]),
		Content:  scalarText(raw["vod_content"]),
		PlayFrom: scalarText(raw["vod_play_from"]),
		PlayURL:  scalarText(raw["vod_play_url"]),
		SiteKey:  scalarText(raw["site_key"]),
		SiteName: scalarText(raw["site_name"]),
		Raw:      raw,
	}
	return nil
}

// MarshalJSON writes the upstream object unchanged plus site_key and
// site_name. Items built in code without Raw use the typed fields.
func (i SearchItem) MarshalJSON() ([]byte, error) {
	if i.Raw == nil {
		return json.Marshal(searchItemFields(i))
	}
	out := make(map[string]json.RawMessage, len(i.Raw)+2)
	for key, value := range i.Raw {
		out[key] = value
	}
	if i.SiteKey != "" {
		out["site_key"] = quoted(i.SiteKey)
	}
	if i.SiteName != "" {
		out["site_name"] = quoted(i.SiteName)
	}
	return json.Marshal(out)
}

func quoted(value string) json.RawMessage {
	data, _ := json.Marshal(value)
	return data
}

func (i SearchItem) IdentityKey() string {
	return SiteScopedKey(i.SiteKey, string(i.ID))
}

var siteKeyEscaper = strings.NewReplacer(`\`, `\\`, "_", `\_`)

// SiteScopedKey joins siteKey and suffix with "_". Underscores and
// backslashes in siteKey are escaped, so ("a_b", "c") and ("a", "b_c")
// give different keys while plain site keys keep the siteKey_suffix form.
func SiteScopedKey(siteKey, suffix string) string {
	return siteKeyEscaper.Replace(siteKey) + "_" + suffix
}

// SearchSlice is the deduplicated contribution of one site to one request.
type SearchSlice struct {
	SiteKey string
	Items   []SearchItem
}

// SiteListPayload is the `{ "list": [...] }` envelope returned by site APIs
// and stored in the search and detail cache categories.
type SiteListPayload struct {
	List []SearchItem `json:"list"`
}

// FlexString accepts any JSON scalar. Upstream sites are inconsistent
// about vod_id and vod_year types; booleans, null, objects and arrays read
// as empty.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	*f = FlexString(strings.TrimSpace(scalarText(data)))
	return nil
}

func (f FlexString) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(f))), nil
}

func (f FlexString) String() string { return string(f) }

func scalarText(data []byte) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ""
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return ""
		}
		return s
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return ""
		}
		return n.String()
	default:
		return ""
	}
}
