package parser

import (
	"github.com/maltedev/taobao-scraper/internal/models"
)

// Parser turns a captured page into a structured product.
type Parser interface {
	ParsePage(state *models.PageState) (*models.Product, error)
	ExtractPrice(html string) (*models.Price, error)
	ExtractParameters(html string) ([]models.Parameter, error)
	ExtractDetailImages(html string) ([]models.Image, error)
	ExtractReviews(html string) ([]models.Review, error)
}
