package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"crawlcompose/lib/composer"
	"crawlcompose/lib/htmlutil"
	"crawlcompose/lib/telemetry"

	"github.com/PuerkitoBio/goquery"
)

const report_details_parse = "details.parse"

// Company is the item produced by the details stage.
type Company struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Address      string `json:"address"`
	Activity     string `json:"activity"`
	ActivityCode string `json:"activity_code,omitempty"`
	Sector       string `json:"sector"`
	Query        string `json:"query"`
	Registry     string `json:"registry,omitempty"`
}

type details struct {
	tel telemetry.API
}

func newDetails(deps Deps) *details {
	return &details{tel: telemetry.NewScopedAPI("registry_details", deps.telemetry())}
}

func (d *details) Name() string {
	return "registry.details"
}

func (d *details) Parse(ctx context.Context, res *composer.Response) (any, error) {
	if res.Status != http.StatusOK {
		return nil, fmt.Errorf("details %s: unexpected status %d", res.URL, res.Status)
	}
	doc, err := res.Document()
	if err != nil {
		return nil, fmt.Errorf("details %s: parse html: %w", res.URL, err)
	}
	base, err := url.Parse(res.URL)
	if err != nil {
		return nil, fmt.Errorf("details %s: %w", res.URL, err)
	}
	query := queryOf(res)

	var out []Company
	doc.Find(".entreprise").Each(func(_ int, sel *goquery.Selection) {
		company := Company{
			ID:           sel.AttrOr("data-id", ""),
			Name:         htmlutil.SelectionText(sel.Find(".denomination")),
			Address:      htmlutil.SelectionText(sel.Find(".adresse")),
			Activity:     htmlutil.SelectionText(sel.Find(".activite")),
			ActivityCode: sel.Find(".activite").AttrOr("data-naf", ""),
			Sector:       query.Sector,
			Query:        query.Name,
		}
		if company.ID == "" {
			d.tel.ReportWarning(report_details_parse, "entry without an id", res.URL)
			return
		}
		anchors := htmlutil.GetAnchors(ctx, sel.Find("a.fiche"), base)
		if len(anchors) > 0 {
			company.Registry = anchors[0].Href
		}
		out = append(out, company)
	})

	if expected, ok := res.Meta("ids"); ok {
		if n, ok := expected.(int); ok && n != len(out) {
			d.tel.ReportWarning(report_details_parse, fmt.Sprintf("expected %d entries, got %d", n, len(out)), res.URL)
		}
	}
	return out, nil
}
