package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/posync/internal/client/models"
)

// SaleService records sales at the till.
type SaleService interface {
	CreateSale(ctx context.Context, sale *models.Sale) (Result, error)
}

// StockService records manual stock corrections.
type StockService interface {
	AdjustStock(ctx context.Context, productID string, delta int64, reason string) (Result, error)
}

// PartyService maintains customers and suppliers.
type PartyService interface {
	CreateParty(ctx context.Context, p *models.Party) (Result, error)
	UpdateParty(ctx context.Context, p *models.Party) (Result, error)
	DeleteParty(ctx context.Context, id string) (Result, error)
}

type saleService struct {
	w   *Writer
	now func() time.Time
}

func NewSaleService(w *Writer) SaleService {
	return &saleService{w: w, now: w.now}
}

func (s *saleService) CreateSale(ctx context.Context, sale *models.Sale) (Result, error) {
	if err := sale.Validate(); err != nil {
		return s.w.invalid(err)
	}
	sale.ComputeTotal()
	if sale.SoldAt.IsZero() {
		sale.SoldAt = s.now().UTC()
	}
	return s.w.Write(ctx, Mutation{Entity: models.EntitySale, Operation: models.OperationCreate, Record: sale})
}

type stockService struct {
	w *Writer
}

func NewStockService(w *Writer) StockService {
	return &stockService{w: w}
}

func (s *stockService) AdjustStock(ctx context.Context, productID string, delta int64, reason string) (Result, error) {
	adj := &models.StockAdjustment{ProductID: productID, Delta: delta, Reason: strings.TrimSpace(reason)}
	if err := adj.Validate(); err != nil {
		return s.w.invalid(err)
	}
	return s.w.Write(ctx, Mutation{Entity: models.EntityStockAdjustment, Operation: models.OperationCreate, Record: adj})
}

type partyService struct {
	w *Writer
}

func NewPartyService(w *Writer) PartyService {
	return &partyService{w: w}
}

var errNoPartyID = errors.New("party id is empty")

func (s *partyService) CreateParty(ctx context.Context, p *models.Party) (Result, error) {
	if p.Kind == "" {
		p.Kind = models.PartyCustomer
	}
	if err := p.Validate(); err != nil {
		return s.w.invalid(err)
	}
	return s.w.Write(ctx, Mutation{Entity: models.EntityParty, Operation: models.OperationCreate, Record: p})
}

func (s *partyService) UpdateParty(ctx context.Context, p *models.Party) (Result, error) {
	if p.ID == "" {
		return s.w.invalid(fmt.Errorf("%w: %w", models.ErrInvalidRecord, errNoPartyID))
	}
	if err := p.Validate(); err != nil {
		return s.w.invalid(err)
	}
	return s.w.Write(ctx, Mutation{Entity: models.EntityParty, Operation: models.OperationUpdate, EntityID: p.ID, Record: p})
}

func (s *partyService) DeleteParty(ctx context.Context, id string) (Result, error) {
	if id == "" {
		return s.w.invalid(fmt.Errorf("%w: %w", models.ErrInvalidRecord, errNoPartyID))
	}
	return s.w.Write(ctx, Mutation{Entity: models.EntityParty, Operation: models.OperationDelete, EntityID: id})
}
