// Package render formats extracted products as Markdown documents.
package render

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/taobao-scraper/internal/completeness"
	"github.com/maltedev/taobao-scraper/internal/models"
)

const maxFilenameLength = 100

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// Markdown renders product as a Markdown document. A degraded or
// indeterminate verdict is shown as a warning block under the title.
func Markdown(product *models.Product, verdict completeness.Verdict) string {
	var b strings.Builder

	title := product.Title
	if title == "" {
		title = "Unknown Product"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	if !verdict.Complete() && verdict.Status != "" {
		fmt.Fprintf(&b, "> **警告**: 页面内容不完整 (%s)\n\n", verdict)
	}

	b.WriteString("## 基本信息\n\n")
	fmt.Fprintf(&b, "- **商品ID**: %s\n", orNA(product.ID))
	fmt.Fprintf(&b, "- **店铺**: %s\n", orNA(product.StoreName))
	if product.Price.Current > 0 {
		fmt.Fprintf(&b, "- **价格**: ¥%s\n", formatPrice(product.Price.Current))
	}
	if product.Price.Original > 0 {
		fmt.Fprintf(&b, "- **原价**: ¥%s\n", formatPrice(product.Price.Original))
	}
	fmt.Fprintf(&b, "- **商品链接**: %s\n", orNA(product.URL))
	fmt.Fprintf(&b, "- **抓取时间**: %s\n\n", product.ScrapedAt.Format(time.RFC3339))

	if len(product.Thumbnails) > 0 {
		b.WriteString("## 商品图片\n\n")
		for i, img := range product.Thumbnails {
			fmt.Fprintf(&b, "![缩略图%d](%s)\n", i+1, img.URL)
		}
		b.WriteString("\n")
	}

	if len(product.DetailImages) > 0 {
		b.WriteString("## 详情图片\n\n")
		for i, img := range product.DetailImages {
			fmt.Fprintf(&b, "![详情图%d](%s)\n", i+1, img.URL)
		}
		b.WriteString("\n")
	}

	if len(product.Parameters) > 0 {
		b.WriteString("## 参数信息\n\n")
		b.WriteString("| 参数名 | 参数值 |\n")
		b.WriteString("|--------|--------|\n")
		for _, p := range product.Parameters {
			fmt.Fprintf(&b, "| %s | %s |\n", cell(p.Name), cell(p.Value))
		}
		b.WriteString("\n")
	}

	if len(product.Reviews) > 0 {
		b.WriteString("## 用户评价\n\n")
		for i, r := range product.Reviews {
			fmt.Fprintf(&b, "### 评价%d\n\n", i+1)
			fmt.Fprintf(&b, "- **用户**: %s\n", orNA(r.User))
			fmt.Fprintf(&b, "- **日期**: %s\n", orNA(r.Date))
			if r.Variant != "" {
				fmt.Fprintf(&b, "- **规格**: %s\n", r.Variant)
			}
			if r.Text != "" {
				fmt.Fprintf(&b, "- **内容**: %s\n", r.Text)
			}
			if len(r.Photos) > 0 {
				links := make([]string, len(r.Photos))
				for j, u := range r.Photos {
					links[j] = fmt.Sprintf("[图片%d](%s)", j+1, u)
				}
				fmt.Fprintf(&b, "- **图片**: %s\n", strings.Join(links, ", "))
			}
			b.WriteString("\n")
		}
	}

	if len(product.QA) > 0 {
		b.WriteString("## 问答\n\n")
		for i, qa := range product.QA {
			fmt.Fprintf(&b, "### Q%d: %s\n\n", i+1, qa.Question)
			fmt.Fprintf(&b, "**A**: %s\n\n", qa.Answer)
		}
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

// Filename derives a file name from a product title.
func Filename(title string) string {
	name := invalidFilenameChars.ReplaceAllString(title, "")
	name = strings.ReplaceAll(name, " ", "_")
	if r := []rune(name); len(r) > maxFilenameLength {
		name = string(r[:maxFilenameLength])
	}
	name = strings.TrimRight(name, ". ")
	if name == "" {
		name = "Unknown_Product"
	}
	return name + ".md"
}

// Save writes the rendered document into dir and returns its path.
func Save(dir string, product *models.Product, verdict completeness.Verdict) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(dir, Filename(product.Title))
	if err := os.WriteFile(path, []byte(Markdown(product, verdict)), 0o644); err != nil {
		return "", fmt.Errorf("failed to write markdown: %w", err)
	}
	return path, nil
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func cell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
