package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"storefront/internal/domain"
	"storefront/internal/repository"
)

var ErrInvalidInput = errors.New("invalid input")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Invalidator is told when a product changed so cached copies can be dropped.
type Invalidator interface {
	Invalidate(ctx context.Context, id string)
}

// ProductService инкапсулирует бизнес-логику вокруг товаров
type ProductService struct {
	repo        repository.ProductRepository
	invalidator Invalidator
}

func NewProductService(repo repository.ProductRepository) *ProductService {
	return &ProductService{repo: repo}
}

// WithInvalidator registers a cache to drop entries on update and delete.
func (s *ProductService) WithInvalidator(inv Invalidator) *ProductService {
	s.invalidator = inv
	return s
}

// ProductInput поля товара, которые задаёт администратор
type ProductInput struct {
	Title    string                `json:"title" validate:"required"`
	Store    string                `json:"store"`
	Price    *decimal.Decimal      `json:"price" validate:"required"`
	ImageURL string                `json:"url" validate:"omitempty,url"`
	Note     string                `json:"note"`
	Status   domain.ProductStatus  `json:"status" validate:"omitempty,oneof=available unavailable"`
	Options  domain.ProductOptions `json:"options"`
}

func (in ProductInput) product() (domain.Product, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := validate.Struct(in); err != nil {
		return domain.Product{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.Price.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: price must not be negative", ErrInvalidInput)
	}
	if in.Status == "" {
		in.Status = domain.ProductAvailable
	}
	p := domain.Product{
		Title:    in.Title,
		Store:    strings.TrimSpace(in.Store),
		Price:    *in.Price,
		ImageURL: in.ImageURL,
		Note:     in.Note,
		Status:   in.Status,
	}
	// duplicates are dropped at the point of addition
	for _, s := range in.Options.Sizes {
		p.Options.AddSize(s)
	}
	for _, t := range in.Options.Toppings {
		p.Options.AddTopping(t)
	}
	return p, nil
}

func (s *ProductService) CreateProduct(ctx context.Context, in ProductInput) (*domain.Product, error) {
	p, err := in.product()
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *ProductService) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	return s.repo.GetByID(ctx, id)
}

func (s *ProductService) UpdateProduct(ctx context.Context, id string, in ProductInput) (*domain.Product, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	p, err := in.product()
	if err != nil {
		return nil, err
	}
	p.ID = id
	if err := s.repo.Update(ctx, &p); err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return &p, nil
}

// DeleteProduct removes the product. Orders keep their reference and render
// the deleted-product placeholder.
func (s *ProductService) DeleteProduct(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

// ListProducts returns the whole catalog, admin view.
func (s *ProductService) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.List(ctx, repository.ProductFilter{})
}

func (s *ProductService) SearchProducts(ctx context.Context, f repository.ProductFilter) ([]domain.Product, error) {
	return s.repo.List(ctx, f)
}

func (s *ProductService) invalidate(ctx context.Context, id string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, id)
	}
}
