// Package extract turns a fetched search result page into listing records.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"yad2_bot/internal/failure"
	"yad2_bot/internal/model"
)

// ItemURL is the public page of a single listing.
const ItemURL = "https://www.yad2.co.il/vehicles/item/"

// Listing groups in the order the site renders them.
var groups = []string{"commercial", "private", "solo", "platinum"}

var hpPattern = regexp.MustCompile(`(\d+)\s*כ["״]ס`)

var hebrewMonths = map[string]int{
	"ינואר":   1,
	"פברואר":  2,
	"מרץ":     3,
	"אפריל":   4,
	"מאי":     5,
	"יוני":    6,
	"יולי":    7,
	"אוגוסט":  8,
	"ספטמבר":  9,
	"אוקטובר": 10,
	"נובמבר":  11,
	"דצמבר":   12,
}

// Page is the outcome of extracting one search result page.
type Page struct {
	Records []model.ListingRecord
	// TotalPages is the page count reported by the site, 0 when unknown.
	TotalPages int
	// Skipped counts records that could not be decoded or had no identity.
	Skipped int
}

// Yad2 extracts listings from the __NEXT_DATA__ payload of a yad2 page.
type Yad2 struct {
	now func() time.Time
}

// New creates a Yad2 extractor.
func New() *Yad2 {
	return &Yad2{now: time.Now}
}

// SetClock overrides the time source used for vehicle age.
func (y *Yad2) SetClock(now func() time.Time) {
	y.now = now
}

type nextData struct {
	Props struct {
		PageProps struct {
			DehydratedState struct {
				Queries []struct {
					State struct {
						Data json.RawMessage `json:"data"`
					} `json:"state"`
				} `json:"queries"`
			} `json:"dehydratedState"`
		} `json:"pageProps"`
	} `json:"props"`
}

type feed struct {
	Groups     map[string]json.RawMessage
	Pagination struct {
		Pages int `json:"pages"`
	}
}

type textField struct {
	Text string `json:"text"`
}

type rawVehicle struct {
	Token    string      `json:"token"`
	AdNumber json.Number `json:"adNumber"`
	Price    *float64    `json:"price"`
	Km       *float64    `json:"km"`
	AdType   string      `json:"adType"`
	Address  struct {
		City textField `json:"city"`
		Area textField `json:"area"`
	} `json:"address"`
	Manufacturer textField `json:"manufacturer"`
	Model        textField `json:"model"`
	SubModel     textField `json:"subModel"`
	Hand         struct {
		ID *int `json:"id"`
	} `json:"hand"`
	VehicleDates struct {
		YearOfProduction  int        `json:"yearOfProduction"`
		MonthOfProduction *textField `json:"monthOfProduction"`
	} `json:"vehicleDates"`
	Dates struct {
		CreatedAt   string `json:"createdAt"`
		UpdatedAt   string `json:"updatedAt"`
		RebouncedAt string `json:"rebouncedAt"`
	} `json:"dates"`
	MetaData struct {
		Description string `json:"description"`
	} `json:"metaData"`
}

// Extract parses a raw page. A page without a decodable payload is a
// failure.Parse error; individual bad records are skipped and counted.
func (y *Yad2) Extract(raw []byte) (Page, error) {
	payload, err := nextDataScript(raw)
	if err != nil {
		return Page{}, failure.NewParse("extract page", err)
	}

	var nd nextData
	if err := json.Unmarshal([]byte(payload), &nd); err != nil {
		return Page{}, failure.NewParse("decode next data", err)
	}
	queries := nd.Props.PageProps.DehydratedState.Queries
	if len(queries) == 0 || len(queries[0].State.Data) == 0 || string(queries[0].State.Data) == "null" {
		return Page{}, failure.NewParse("extract page", errors.New("no listing data in payload"))
	}

	f, err := decodeFeed(queries[0].State.Data)
	if err != nil {
		return Page{}, failure.NewParse("decode listing data", err)
	}

	page := Page{TotalPages: f.Pagination.Pages}
	now := y.now()
	for _, group := range groups {
		items, ok := f.Groups[group]
		if !ok {
			continue
		}
		var list []json.RawMessage
		if err := json.Unmarshal(items, &list); err != nil {
			return Page{}, failure.NewParse("decode "+group+" group", err)
		}
		for _, item := range list {
			rec, ok := y.record(item, group, now)
			if !ok {
				page.Skipped++
				continue
			}
			page.Records = append(page.Records, rec)
		}
	}
	return page, nil
}

func nextDataScript(raw []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	payload := strings.TrimSpace(doc.Find("script#__NEXT_DATA__").First().Text())
	if payload == "" {
		return "", errors.New("__NEXT_DATA__ script not found")
	}
	return payload, nil
}

func decodeFeed(data json.RawMessage) (feed, error) {
	var f feed
	if err := json.Unmarshal(data, &f.Groups); err != nil {
		return f, err
	}
	if p, ok := f.Groups["pagination"]; ok {
		if err := json.Unmarshal(p, &f.Pagination); err != nil {
			return f, fmt.Errorf("decode pagination: %w", err)
		}
	}
	return f, nil
}

func (y *Yad2) record(item json.RawMessage, group string, now time.Time) (model.ListingRecord, bool) {
	var v rawVehicle
	if err := json.Unmarshal(item, &v); err != nil {
		return model.ListingRecord{}, false
	}

	token := strings.TrimSpace(v.Token)
	adNumber := strings.TrimSpace(v.AdNumber.String())
	id := token
	if id == "" {
		id = adNumber
	}
	if id == "" {
		return model.ListingRecord{}, false
	}

	attrs := model.Attributes{model.AttrListingType: group}
	setString(attrs, model.AttrAdNumber, adNumber)
	setString(attrs, model.AttrAdType, v.AdType)
	setString(attrs, model.AttrMake, v.Manufacturer.Text)
	setString(attrs, model.AttrModel, v.Model.Text)
	setString(attrs, model.AttrSubModel, v.SubModel.Text)
	setString(attrs, model.AttrDescription, v.MetaData.Description)
	setString(attrs, model.AttrCreatedAt, formatDate(v.Dates.CreatedAt))
	setString(attrs, model.AttrUpdatedAt, formatDate(v.Dates.UpdatedAt))
	setString(attrs, model.AttrRebouncedAt, formatDate(v.Dates.RebouncedAt))
	if token != "" {
		attrs[model.AttrLink] = ItemURL + token
	}
	if m := hpPattern.FindStringSubmatch(v.SubModel.Text); m != nil {
		if hp, err := strconv.Atoi(m[1]); err == nil {
			attrs[model.AttrHP] = hp
		}
	}
	if v.Hand.ID != nil {
		attrs[model.AttrHand] = *v.Hand.ID
	}
	if v.Km != nil {
		attrs[model.AttrKm] = int64(*v.Km)
	}

	if year := v.VehicleDates.YearOfProduction; year > 0 {
		month := 1
		if v.VehicleDates.MonthOfProduction != nil {
			if m, ok := hebrewMonths[strings.TrimSpace(v.VehicleDates.MonthOfProduction.Text)]; ok {
				month = m
			}
		}
		attrs[model.AttrProductionDate] = fmt.Sprintf("%04d-%02d-01", year, month)

		years := yearsSince(year, month, now)
		attrs[model.AttrYears] = years
		if v.Km != nil {
			kmPerYear := *v.Km
			if years > 0 {
				kmPerYear = *v.Km / years
			}
			attrs[model.AttrKmPerYear] = round2(kmPerYear)
		}
	}

	location := strings.TrimSpace(v.Address.City.Text)
	if location == "" {
		location = strings.TrimSpace(v.Address.Area.Text)
	}

	rec := model.ListingRecord{
		ID:         model.Identity(id),
		Location:   location,
		Attributes: attrs,
	}
	if v.Price != nil && *v.Price > 0 {
		p := int64(math.Round(*v.Price))
		rec.Price = &p
	}
	return rec, true
}

// yearsSince returns the whole months between production and now, in years.
func yearsSince(year, month int, now time.Time) float64 {
	months := (now.Year()-year)*12 + int(now.Month()) - month
	if months < 0 {
		months = 0
	}
	return round2(float64(months) / 12)
}

func formatDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02 15:04:05")
		}
	}
	return s
}

func setString(a model.Attributes, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		a[key] = value
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
