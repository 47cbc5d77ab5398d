package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/taobao-scraper/internal/catalog"
	"github.com/maltedev/taobao-scraper/internal/models"
)

// Product page selectors outside the tabbed sections.
const (
	selTitle        = ".mainTitle--R75fTcZL"
	selStoreName    = "#J_SiteNavOpenShop"
	selPriceNumber  = ".text--LP7Wf49z"
	selPriceAlt     = ".text--Do8Zgb3q"
	selGalleryID    = "#picGalleryEle"
	selGalleryClass = ".picGallery--qY53_w0u"
	selSKUImage     = ".valueItemImgWrap--ZvA2Cmim img"

	selShopName   = ".shopName--cSjM9uKk"
	selShopLink   = ".detailWrap--svoEjPUO"
	selShopRating = ".StoreComprehensiveRating--If5wS20L"
	selShopLabel  = ".storeLabelItem--IcqpWWIy"

	selShippingTime     = ".shipping--Obxoxza7"
	selShippingFee      = ".freight--oatKHK1s"
	selShippingLocation = ".deliveryAddrWrap--KgrR00my span"

	selGuarantee = ".guaranteeText--hqmmjLTB"

	selSKUItem  = ".skuItem--Z2AJB9Ew"
	selSKULabel = ".ItemLabel--psS1SOyC"
	selSKUValue = ".valueItem--smR4pNt4"

	selEmphasisTitle    = ".emphasisParamsInfoItemTitle--IGClES8z"
	selEmphasisSubTitle = ".emphasisParamsInfoItemSubTitle--Lzwb8yjJ"
	selGeneralTitle     = ".generalParamsInfoItemTitle--Fo9kKj5Z"
	selGeneralSubTitle  = ".generalParamsInfoItemSubTitle--S4pgp6b9"

	selReviewUser    = ".userName--KpyzGX2s"
	selReviewContent = ".content--uonoOhaz"
	selReviewMeta    = ".meta--PLijz6qf"
	selReviewPhoto   = ".photo--ZUITAPZq img"

	selQAItem     = ".askAnswerItem--RJKHFPmt"
	selQuestion   = ".questionText--cClStSfJ"
	selAnswer     = ".answer--GB6EGprf"
	invoiceMarker = "可开发票"
)

type TaobaoParser struct {
	suffixPatterns []*regexp.Regexp
	sizeMarkers    []string
	pricePattern   *regexp.Regexp
}

func NewTaobaoParser() *TaobaoParser {
	return &TaobaoParser{
		suffixPatterns: []*regexp.Regexp{
			regexp.MustCompile(`\.jpg_q\d+\.jpg_\.webp$`),
			regexp.MustCompile(`_q\d+\.jpg_\.webp$`),
			regexp.MustCompile(`\.jpg_\d+x\d+q?\d*\.jpg_\.webp$`),
			regexp.MustCompile(`_\d+x\d+q?\d*\.jpg_\.webp$`),
			regexp.MustCompile(`\.jpg_\.webp$`),
			regexp.MustCompile(`\.jpgq\d+$`),
			regexp.MustCompile(`\.jpg_\d+x\d+q?\d*\.jpg$`),
			regexp.MustCompile(`_\d+x\d+q?\d*\.jpg$`),
		},
		sizeMarkers:  []string{"_60x60", "_50x50", "_80x80", "_90x90", "_sum"},
		pricePattern: regexp.MustCompile(`\d+(?:\.\d+)?`),
	}
}

var _ Parser = (*TaobaoParser)(nil)

// ParsePage extracts a product from a captured page. Tab fragments are
// preferred; the full document is the fallback for every section.
func (p *TaobaoParser) ParsePage(state *models.PageState) (*models.Product, error) {
	if state == nil {
		return nil, fmt.Errorf("no page state")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(state.Document))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	product := &models.Product{
		ID:        state.ProductID,
		URL:       state.URL,
		Platform:  state.Platform,
		ScrapedAt: state.CapturedAt,
	}
	if product.ScrapedAt.IsZero() {
		product.ScrapedAt = time.Now()
	}

	product.Title = text(doc.Find(selTitle).First())
	product.StoreName = text(doc.Find(selStoreName).First())
	product.Price = p.extractPrice(doc)
	product.Thumbnails = p.extractThumbnails(doc)
	product.Shop = p.extractShop(doc)
	product.Shipping = p.extractShipping(doc)
	product.Guarantees = p.extractGuarantees(doc, state.Document)
	product.Specifications = p.extractSpecifications(doc)
	product.QA = p.extractQA(doc)

	params, _ := p.section(state, models.TabParameters, doc)
	product.Parameters = p.extractParameters(params)
	details, scoped := p.section(state, models.TabDetails, doc)
	product.DetailImages = p.extractDetailImages(details, scoped)
	reviews, _ := p.section(state, models.TabReviews, doc)
	product.Reviews = p.extractReviews(reviews)

	return product, nil
}

// section returns the captured fragment for kind, or doc when the fragment
// is missing or empty. scoped reports whether the fragment was used.
func (p *TaobaoParser) section(state *models.PageState, kind models.TabKind, doc *goquery.Document) (sel *goquery.Selection, scoped bool) {
	if f := state.Fragment(kind); f != nil && strings.TrimSpace(f.Markup) != "" {
		if frag, err := goquery.NewDocumentFromReader(strings.NewReader(f.Markup)); err == nil {
			return frag.Selection, true
		}
	}
	return doc.Selection, false
}

func (p *TaobaoParser) ExtractPrice(html string) (*models.Price, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	price := p.extractPrice(doc)
	if price.Current == 0 {
		return nil, fmt.Errorf("price not found")
	}
	return &price, nil
}

func (p *TaobaoParser) ExtractParameters(html string) ([]models.Parameter, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	return p.extractParameters(doc.Selection), nil
}

func (p *TaobaoParser) ExtractDetailImages(html string) ([]models.Image, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	return p.extractDetailImages(doc.Selection, true), nil
}

func (p *TaobaoParser) ExtractReviews(html string) ([]models.Review, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	return p.extractReviews(doc.Selection), nil
}

func (p *TaobaoParser) extractPrice(doc *goquery.Document) models.Price {
	price := models.Price{Currency: "CNY"}

	var values []float64
	collect := func(_ int, s *goquery.Selection) {
		m := p.pricePattern.FindString(s.Text())
		if m == "" {
			return
		}
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			values = append(values, v)
		}
	}
	doc.Find(selPriceNumber).Each(collect)
	if len(values) == 0 {
		doc.Find(selPriceAlt).Each(collect)
	}

	if len(values) > 0 {
		price.Current = values[0]
	}
	if len(values) > 1 {
		price.Original = values[1]
	}
	return price
}

// CleanImageURL strips query strings and the CDN's resize and webp suffixes
// so the original image is referenced.
func (p *TaobaoParser) CleanImageURL(src string) string {
	src = strings.TrimSpace(src)
	if i := strings.IndexByte(src, '?'); i >= 0 {
		src = src[:i]
	}
	for _, re := range p.suffixPatterns {
		src = re.ReplaceAllString(src, ".jpg")
	}
	src = strings.Replace(src, ".png_.webp", ".png", 1)
	for _, m := range p.sizeMarkers {
		src = strings.ReplaceAll(src, m, "")
	}
	return src
}

func (p *TaobaoParser) extractThumbnails(doc *goquery.Document) []models.Image {
	var images []models.Image
	seen := make(map[string]bool)

	add := func(sel *goquery.Selection, kind string) {
		sel.Each(func(_ int, img *goquery.Selection) {
			src, ok := catalog.ImageURL(img)
			if !ok {
				return
			}
			src = p.CleanImageURL(src)
			if seen[src] {
				return
			}
			seen[src] = true
			images = append(images, models.Image{URL: src, Sequence: len(images), Kind: kind})
		})
	}

	gallery := doc.Find(selGalleryID)
	if gallery.Length() == 0 {
		gallery = doc.Find(selGalleryClass)
	}
	add(gallery.Find("img"), "gallery")
	add(doc.Find(selSKUImage), "sku_variant")
	return images
}

func (p *TaobaoParser) extractParameters(root *goquery.Selection) []models.Parameter {
	var params []models.Parameter

	root.Find(catalog.EmphasisParam).Each(func(_ int, item *goquery.Selection) {
		name := text(item.Find(selEmphasisSubTitle).First())
		value := text(item.Find(selEmphasisTitle).First())
		if name != "" && value != "" {
			params = append(params, models.Parameter{Name: name, Value: value, Category: "emphasis"})
		}
	})
	root.Find(catalog.GeneralParam).Each(func(_ int, item *goquery.Selection) {
		name := text(item.Find(selGeneralTitle).First())
		value := text(item.Find(selGeneralSubTitle).First())
		if name != "" && value != "" {
			params = append(params, models.Parameter{Name: name, Value: value, Category: "general"})
		}
	})
	return params
}

// extractDetailImages reads the description images. A scoped root is a
// captured description region, so any image in it counts.
func (p *TaobaoParser) extractDetailImages(root *goquery.Selection, scoped bool) []models.Image {
	imgs := root.Find(catalog.DetailsRegion + " img")
	if imgs.Length() == 0 && scoped {
		imgs = root.Find("img")
	}

	var images []models.Image
	seen := make(map[string]bool)
	imgs.Each(func(_ int, img *goquery.Selection) {
		src, ok := catalog.ImageURL(img)
		if !ok || seen[src] {
			return
		}
		seen[src] = true
		images = append(images, models.Image{URL: src, Sequence: len(images), Kind: "detail"})
	})
	return images
}

func (p *TaobaoParser) extractReviews(root *goquery.Selection) []models.Review {
	var reviews []models.Review

	root.Find(catalog.ReviewItem).Each(func(_ int, item *goquery.Selection) {
		r := models.Review{
			User: text(item.Find(selReviewUser).First()),
			Text: text(item.Find(selReviewContent).First()),
		}

		meta := text(item.Find(selReviewMeta).First())
		if meta != "" {
			parts := strings.Split(meta, "·")
			r.Date = strings.TrimSpace(parts[0])
			if len(parts) > 1 {
				r.Variant = strings.TrimSpace(parts[1])
			}
		}

		item.Find(selReviewPhoto).Each(func(_ int, img *goquery.Selection) {
			if src, ok := catalog.ImageURL(img); ok {
				r.Photos = append(r.Photos, p.CleanImageURL(src))
			}
		})

		reviews = append(reviews, r)
	})
	return reviews
}

func (p *TaobaoParser) extractQA(doc *goquery.Document) []models.QA {
	var qa []models.QA
	doc.Find(selQAItem).Each(func(_ int, item *goquery.Selection) {
		q := text(item.Find(selQuestion).First())
		a := text(item.Find(selAnswer).First())
		if q != "" && a != "" {
			qa = append(qa, models.QA{Question: q, Answer: a})
		}
	})
	return qa
}

func (p *TaobaoParser) extractShop(doc *goquery.Document) models.Shop {
	shop := models.Shop{
		Name:   text(doc.Find(selShopName).First()),
		Rating: text(doc.Find(selShopRating).First()),
	}
	if href, ok := doc.Find(selShopLink).First().Attr("href"); ok {
		if strings.HasPrefix(href, "//") {
			href = "https:" + href
		}
		shop.Link = href
	}
	doc.Find(selShopLabel).Each(func(_ int, s *goquery.Selection) {
		if t := text(s); t != "" {
			shop.Labels = append(shop.Labels, t)
		}
	})
	return shop
}

func (p *TaobaoParser) extractShipping(doc *goquery.Document) models.Shipping {
	shipping := models.Shipping{
		Time: text(doc.Find(selShippingTime).First()),
		Fee:  text(doc.Find(selShippingFee).First()),
	}

	location := text(doc.Find(selShippingLocation).First())
	if from, to, ok := strings.Cut(location, " 至 "); ok {
		shipping.From = strings.TrimSpace(from)
		shipping.To = strings.TrimSpace(to)
	} else {
		shipping.Location = location
	}
	return shipping
}

func (p *TaobaoParser) extractGuarantees(doc *goquery.Document, html string) []string {
	var guarantees []string
	hasInvoice := false
	doc.Find(selGuarantee).Each(func(_ int, s *goquery.Selection) {
		if t := text(s); t != "" {
			guarantees = append(guarantees, t)
			if t == invoiceMarker {
				hasInvoice = true
			}
		}
	})
	if !hasInvoice && strings.Contains(html, invoiceMarker) {
		guarantees = append([]string{invoiceMarker}, guarantees...)
	}
	return guarantees
}

func (p *TaobaoParser) extractSpecifications(doc *goquery.Document) []models.Specification {
	var specs []models.Specification
	doc.Find(selSKUItem).Each(func(_ int, item *goquery.Selection) {
		label := text(item.Find(selSKULabel).First())
		if label == "" {
			return
		}
		spec := models.Specification{Label: label}
		item.Find(selSKUValue).Each(func(_ int, v *goquery.Selection) {
			if t := text(v); t != "" {
				spec.Values = append(spec.Values, t)
			}
		})
		specs = append(specs, spec)
	})
	return specs
}

func text(s *goquery.Selection) string {
	return strings.TrimSpace(s.Text())
}
