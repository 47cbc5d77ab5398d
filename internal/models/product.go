package models

import (
	"time"
)

type Product struct {
	ID             string          `json:"id"`
	URL            string          `json:"url"`
	Platform       string          `json:"platform"`
	Title          string          `json:"title"`
	StoreName      string          `json:"store_name,omitempty"`
	Price          Price           `json:"price"`
	Thumbnails     []Image         `json:"thumbnails"`
	DetailImages   []Image         `json:"detail_images"`
	Parameters     []Parameter     `json:"parameters"`
	Reviews        []Review        `json:"reviews"`
	QA             []QA            `json:"qa"`
	Shop           Shop            `json:"shop"`
	Shipping       Shipping        `json:"shipping"`
	Guarantees     []string        `json:"guarantees,omitempty"`
	Specifications []Specification `json:"specifications,omitempty"`
	ScrapedAt      time.Time       `json:"scraped_at"`
}

type Price struct {
	Current  float64 `json:"current,omitempty"`
	Original float64 `json:"original,omitempty"`
	Currency string  `json:"currency"`
}

type Image struct {
	URL      string `json:"url"`
	Sequence int    `json:"sequence"`
	Kind     string `json:"kind"` // thumbnail, detail
}

type Parameter struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Category string `json:"category"` // emphasis, general
}

type Review struct {
	User    string   `json:"user,omitempty"`
	Date    string   `json:"date,omitempty"`
	Variant string   `json:"variant,omitempty"`
	Text    string   `json:"text,omitempty"`
	Photos  []string `json:"photos,omitempty"`
}

type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type Shop struct {
	Name   string   `json:"name,omitempty"`
	Link   string   `json:"link,omitempty"`
	Rating string   `json:"rating,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

type Shipping struct {
	Time     string `json:"time,omitempty"`
	Fee      string `json:"fee,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Location string `json:"location,omitempty"`
}

type Specification struct {
	Label  string   `json:"label"`
	Values []string `json:"values"`
}
