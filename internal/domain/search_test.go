package domain

import (
	"encoding/json"
	"testing"
)

func TestSearchItemAcceptsNumericAndStringIDs(t *testing.T) {
	var payload SiteListPayload
	raw := `{"list":[{"vod_id":123,"vod_name":"A","vod_year":2021},{"vod_id":"abc","vod_name":"B","vod_year":null}]}`
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(payload.List) != 2 {
		t.Fatalf("expected 2 items, got %d", len(payload.List))
	}
	if payload.List[0].ID != "123" || payload.List[0].Year != "2021" {
		t.Fatalf("unexpected numeric decode: %+v", payload.List[0])
	}
	if payload.List[1].ID != "abc" || payload.List[1].Year != "" {
		t.Fatalf("unexpected string decode: %+v", payload.List[1])
	}
}

func TestSearchItemIdentityKey(t *testing.T) {
	item := SearchItem{ID: "42", SiteKey: "siteA"}
	if got := item.IdentityKey(); got != "siteA_42" {
		t.Fatalf("identity key = %q", got)
	}
	left := SearchItem{ID: "b_1", SiteKey: "a"}
	right := SearchItem{ID: "1", SiteKey: "a_b"}
	if left.IdentityKey() == right.IdentityKey() {
		t.Fatalf("identity keys collide: %q", left.IdentityKey())
	}
	if got := SiteScopedKey(`a\_b`, "c"); got != `a\\\_b_c` {
		t.Fatalf("SiteScopedKey = %q", got)
	}
}

func TestSearchItemKeepsUpstreamFields(t *testing.T) {
	var item SearchItem
	raw := `{"vod_id":7,"vod_name":"Movie","vod_actor":"Someone","vod_director":"Dir","vod_area":"US","vod_year":false}`
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if item.ID != "7" || item.Title != "Movie" || item.Year != "" {
		t.Fatalf("unexpected typed fields %+v", item)
	}
	item.SiteKey, item.SiteName = "a", "A"

	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{
		"vod_id": float64(7), "vod_name": "Movie", "vod_actor": "Someone", "vod_director": "Dir",
		"vod_area": "US", "vod_year": false, "site_key": "a", "site_name": "A",
	}
	if len(decoded) != len(want) {
		t.Fatalf("unexpected fields in %s", data)
	}
	for key, value := range want {
		if decoded[key] != value {
			t.Fatalf("%s = %v, want %v in %s", key, decoded[key], value, data)
		}
	}
}

func TestFlexStringToleratesOtherScalars(t *testing.T) {
	for raw, want := range map[string]FlexString{
		`" 12 "`: "12", `12.5`: "12.5", `true`: "", `false`: "", `null`: "", `{"a":1}`: "", `[1]`: "",
	} {
		var f FlexString
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if f != want {
			t.Fatalf("FlexString(%s) = %q, want %q", raw, f, want)
		}
	}
}

func TestSearchItemMarshalKeepsWireNames(t *testing.T) {
	data, err := json.Marshal(SearchItem{ID: "7", Title: "T", SiteKey: "s", SiteName: "S"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"vod_id", "vod_name", "vod_pic", "type_name", "site_key", "site_name"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("missing key %q in %s", key, data)
		}
	}
	if decoded["vod_id"] != "7" {
		t.Fatalf("vod_id = %v", decoded["vod_id"])
	}
}
