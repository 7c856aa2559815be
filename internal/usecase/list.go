package usecase

import (
	"context"
	"errors"
	"strings"

	"wa-inbox/internal/domain"
)

// MessageView is one backing-table row as exposed by the read API.
type MessageView struct {
	Phone      string `json:"phone"`
	Message    string `json:"message"`
	Time       string `json:"time"`
	IsOutbound string `json:"isOutbound"`
}

// ListService reads the message log back from the backing table.
type ListService struct {
	table         Table
	destinationID string
	rng           string
}

func NewListService(t Table, destinationID, rng string) (*ListService, error) {
	if t == nil {
		return nil, errors.New("usecase: table must not be nil")
	}
	if strings.TrimSpace(destinationID) == "" {
		return nil, errors.New("usecase: destination id must not be empty")
	}
	if strings.TrimSpace(rng) == "" {
		return nil, errors.New("usecase: range must not be empty")
	}
	return &ListService{table: t, destinationID: destinationID, rng: rng}, nil
}

// List returns every data row in table order. The header row is skipped and
// a missing direction flag reads as inbound.
func (s *ListService) List(ctx context.Context) ([]MessageView, error) {
	rows, err := s.table.ReadAll(ctx, s.destinationID, s.rng)
	if err != nil {
		return nil, tableError("read", err)
	}
	if len(rows) > 0 && isHeaderRow(rows[0]) {
		rows = rows[1:]
	}

	out := make([]MessageView, 0, len(rows))
	for _, row := range rows {
		v := MessageView{
			Phone:      cell(row, 0),
			Message:    cell(row, 1),
			Time:       cell(row, 2),
			IsOutbound: cell(row, 3),
		}
		if strings.TrimSpace(v.IsOutbound) == "" {
			v.IsOutbound = domain.FlagInbound
		}
		out = append(out, v)
	}
	return out, nil
}

func isHeaderRow(row []string) bool {
	return len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), domain.ColumnPhone)
}

func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}
