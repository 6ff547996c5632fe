package privacy

import (
	"testing"

	"github.com/paulmach/orb"

	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/features"
)

func TestMaskName(t *testing.T) {
	cases := map[string]string{
		"홍길동":   "홍**",
		"김01농":  "김***",
		"A":     "A",
		"":      "",
		"Smith": "S****",
	}
	for in, want := range cases {
		if got := MaskName(in); got != want {
			t.Fatalf("MaskName(%q)=%q want %q", in, got, want)
		}
	}
}

func TestMaskPhone(t *testing.T) {
	cases := map[string]string{
		"010-1234-5678": "0101****5678",
		"02-123-4567":   "0212****4567",
		"1234-5678":     "************",
		"123":           "************",
		"":              "************",
	}
	for in, want := range cases {
		got := MaskPhone(in)
		if got != want {
			t.Fatalf("MaskPhone(%q)=%q want %q", in, got, want)
		}
		if len(got) != 12 {
			t.Fatalf("MaskPhone(%q) has length %d", in, len(got))
		}
	}
}

func collection() *features.Collection {
	return &features.Collection{Name: "parcels", CRS: "EPSG:5186", Features: []features.Feature{{
		ID:       1,
		Geometry: orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}},
		Properties: map[string]any{
			"owner_name":   "홍길동",
			"phone":        "010-1234-5678",
			"phone_number": nil,
			"resident_no":  "900101-1234567",
			"pnu":          "452",
		},
	}}}
}

func TestApply_OrderAndCopy(t *testing.T) {
	src := collection()
	out, warnings := Apply(src, model.PrivacyConfig{
		MaskOwnerNames:       true,
		MaskPhoneNumbers:     true,
		RemovePersonalFields: []string{"resident_no", "owner_name"},
	})
	p := out.Features[0].Properties
	if _, ok := p["owner_name"]; ok {
		t.Fatalf("owner_name should be removed after masking")
	}
	if p["phone"] != "0101****5678" || p["phone_number"] != nil || p["pnu"] != "452" {
		t.Fatalf("properties %+v", p)
	}
	if _, ok := p["resident_no"]; ok {
		t.Fatalf("resident_no not removed")
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings %v", warnings)
	}
	if src.Features[0].Properties["owner_name"] != "홍길동" {
		t.Fatalf("input collection mutated")
	}
}

func TestApply_MaskOnly(t *testing.T) {
	out, _ := Apply(collection(), model.PrivacyConfig{MaskOwnerNames: true})
	if got := out.Features[0].Properties["owner_name"]; got != "홍**" {
		t.Fatalf("owner_name=%v", got)
	}
	if got := out.Features[0].Properties["phone"]; got != "010-1234-5678" {
		t.Fatalf("phone masked without flag: %v", got)
	}
}

func TestApply_AnonymizeIsDocumentedNoOp(t *testing.T) {
	src := collection()
	out, warnings := Apply(src, model.PrivacyConfig{AnonymizeLocations: true})
	if !out.Features[0].Geometry.Bound().Equal(src.Features[0].Geometry.Bound()) {
		t.Fatalf("geometry changed")
	}
	if len(warnings) != 1 || warnings[0] != AnonymizeNotice {
		t.Fatalf("warnings %v", warnings)
	}
}
