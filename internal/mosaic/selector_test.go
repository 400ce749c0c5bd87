package mosaic

import (
	"errors"
	"testing"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/catalog"
)

func TestParseSelector(t *testing.T) {
	it := catalog.Item{ID: "S2A_1", Assets: map[string]catalog.Asset{
		"visual":    {Name: "visual", Href: "https://h/tci.tif", Type: "image/tiff; application=geotiff", Roles: []string{"visual"}},
		"B04":       {Name: "B04", Href: "https://h/b04.tif", Type: "image/tiff; application=geotiff", Roles: []string{"data"}},
		"B08":       {Name: "B08", Href: "https://h/b08.tif", Type: "image/tiff; application=geotiff", Roles: []string{"data"}},
		"thumbnail": {Name: "thumbnail", Href: "https://h/thumb.png", Type: "image/png", Roles: []string{"thumbnail"}},
		"metadata":  {Name: "metadata", Href: "https://h/meta.xml", Type: "application/xml"},
	}}

	tests := []struct {
		rule     string
		want     []string
		wantErr  bool
		parseErr bool
	}{
		{rule: "", want: []string{"B04"}},
		{rule: "first", want: []string{"B04"}},
		{rule: "assets:B08,B04", want: []string{"B08", "B04"}},
		{rule: "assets: visual ", want: []string{"visual"}},
		{rule: "assets:B02", wantErr: true},
		{rule: "role:data", want: []string{"B04", "B08"}},
		{rule: "role:overview", wantErr: true},
		{rule: "type:image/png", want: []string{"thumbnail"}},
		{rule: "assets:", parseErr: true},
		{rule: "band:1", parseErr: true},
		{rule: "visual", parseErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			sel, err := ParseSelector(tt.rule)
			if (err != nil) != tt.parseErr {
				t.Fatalf("ParseSelector(%q) error = %v, wantErr %v", tt.rule, err, tt.parseErr)
			}
			if tt.parseErr {
				return
			}

			assets, err := sel.Select(it)
			if tt.wantErr {
				if !errors.Is(err, ErrNoMatchingAsset) {
					t.Errorf("Select() error = %v, want ErrNoMatchingAsset", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			var got []string
			for _, a := range assets {
				got = append(got, a.Name)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Select() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Select() = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestSelectorFunc(t *testing.T) {
	sel := SelectorFunc(func(it catalog.Item) ([]catalog.Asset, error) {
		return []catalog.Asset{it.Assets["x"]}, nil
	})
	got, err := sel.Select(catalog.Item{Assets: map[string]catalog.Asset{"x": {Name: "x"}}})
	if err != nil || len(got) != 1 || got[0].Name != "x" {
		t.Errorf("Select() = %v, %v", got, err)
	}
}
