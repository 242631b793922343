package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dmitrijs2005/posync/internal/client/models"
)

// GetSimpleText prints a prompt to w and reads a single line of input from reader.
// The line is trimmed. If EOF occurs after some input was read, the partial
// line is returned.
//
// Example prompt format:
//
//	Prompt text
//	> _
func GetSimpleText(reader *bufio.Reader, prompt string, w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, prompt+"\n> "); err != nil {
		return "", err
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// GetSaleLines reads sale lines in the form "productID quantity unitPrice",
// one per line, until an empty line. Malformed lines are reported to w and
// skipped.
func GetSaleLines(reader *bufio.Reader, w io.Writer) ([]models.SaleLine, error) {
	fmt.Fprintln(w, "Enter lines as: <product id> <quantity> <unit price> (empty line to finish)")

	var lines []models.SaleLine
	for {
		raw, err := reader.ReadString('\n')
		raw = strings.TrimSpace(raw)
		if raw == "" {
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return lines, nil
		}

		line, perr := parseSaleLine(raw)
		if perr != nil {
			fmt.Fprintln(w, "skipped:", perr)
		} else {
			lines = append(lines, line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, nil
			}
			return nil, err
		}
	}
}

func parseSaleLine(s string) (models.SaleLine, error) {
	f := strings.Fields(s)
	if len(f) != 3 {
		return models.SaleLine{}, fmt.Errorf("want 3 fields, got %d", len(f))
	}
	qty, err := strconv.ParseInt(f[1], 10, 64)
	if err != nil || qty <= 0 {
		return models.SaleLine{}, fmt.Errorf("bad quantity %q", f[1])
	}
	price, err := decimal.NewFromString(f[2])
	if err != nil || price.IsNegative() {
		return models.SaleLine{}, fmt.Errorf("bad unit price %q", f[2])
	}
	return models.SaleLine{ProductID: f[0], Quantity: qty, UnitPrice: price}, nil
}
