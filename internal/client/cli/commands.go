package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dmitrijs2005/posync/internal/client/conflict"
	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/services"
)

var errNoMigration = errors.New("migration needs the sqlite engine")

func (a *App) Status(ctx context.Context) error {
	a.Controller.Refresh(ctx)
	s := a.Controller.Snapshot()

	last := "never"
	if s.LastSyncTimestamp != nil {
		last = s.LastSyncTimestamp.Local().Format(time.DateTime)
	}
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "online:\t%t\n", s.IsOnline)
	fmt.Fprintf(tw, "status:\t%s\n", s.SyncStatus)
	fmt.Fprintf(tw, "pending:\t%d\n", s.PendingActions)
	fmt.Fprintf(tw, "failed:\t%d\n", s.Failed)
	fmt.Fprintf(tw, "conflicts:\t%d\n", s.Conflicts)
	fmt.Fprintf(tw, "last sync:\t%s\n", last)
	if s.LastError != "" {
		fmt.Fprintf(tw, "last error:\t%s\n", s.LastError)
	}
	fmt.Fprintf(tw, "device:\t%s\n", s.DeviceID)
	fmt.Fprintf(tw, "engine:\t%s\n", s.Engine)
	return tw.Flush()
}

func (a *App) Sync(ctx context.Context) error {
	res, err := a.Controller.TriggerSync(ctx)
	if err != nil {
		return err
	}
	kind := "incremental"
	if res.Full {
		kind = "full"
	}
	fmt.Fprintf(a.out, "%s sync: %d upserted, %d deleted, %d pruned, %d skipped\n",
		kind, res.Upserted, res.Deleted, res.Pruned, res.Skipped)
	return nil
}

func (a *App) Drain(ctx context.Context) error {
	res, err := a.Controller.TriggerDrain(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "drain: %d synced, %d retrying, %d failed, %d conflicts, %d skipped\n",
		res.Succeeded, res.Retried, res.Failed, res.Conflicts, res.Skipped)
	if res.Aborted {
		fmt.Fprintln(a.out, "drain stopped early: connection lost")
	}
	return nil
}

func (a *App) Queue(ctx context.Context, args []string) error {
	var status models.QueueStatus
	if len(args) > 0 {
		status = models.QueueStatus(args[0])
		switch status {
		case models.StatusPending, models.StatusProcessing, models.StatusCompleted,
			models.StatusFailed, models.StatusConflict:
		default:
			return usageError("queue [pending|processing|completed|failed|conflict]")
		}
	}
	items, err := a.Deps.Queue.List(ctx, status)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(a.out, "queue is empty")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tOP\tRECORD\tATTEMPTS\tERROR")
	for _, it := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d/%d\t%s\n",
			it.ID, it.Status, it.Operation, it.EntityKey(), it.Attempts, it.MaxAttempts, it.Error)
	}
	return tw.Flush()
}

func (a *App) Show(ctx context.Context, args []string) error {
	id, err := itemID(args, "show <id>")
	if err != nil {
		return err
	}
	it, err := a.Deps.Queue.Get(ctx, id)
	if err != nil {
		return err
	}
	return a.printJSON(it)
}

func (a *App) Retry(ctx context.Context, args []string) error {
	id, err := itemID(args, "retry <id>")
	if err != nil {
		return err
	}
	it, err := a.Deps.Queue.Retry(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "item %d is %s again\n", it.ID, it.Status)
	return nil
}

func (a *App) Discard(ctx context.Context, args []string) error {
	id, err := itemID(args, "discard <id>")
	if err != nil {
		return err
	}
	if err := a.Deps.Queue.Discard(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "item %d discarded\n", id)
	return nil
}

// Resolve takes the strategy and, for merge, the merged payload as the rest
// of the line.
func (a *App) Resolve(ctx context.Context, args []string) error {
	const usage = usageError("resolve <id> <server_wins|client_wins|merge> [merged json]")
	if len(args) < 2 {
		return usage
	}
	id, err := itemID(args[:1], string(usage))
	if err != nil {
		return err
	}
	st, err := conflict.ParseStrategy(args[1])
	if err != nil {
		return err
	}
	var merged json.RawMessage
	if len(args) > 2 {
		raw := strings.Join(args[2:], " ")
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("merged payload is not valid JSON")
		}
		merged = json.RawMessage(raw)
	}
	it, err := a.Deps.Queue.Resolve(ctx, id, st, merged)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "item %d resolved with %s, now %s\n", it.ID, st, it.Status)
	return nil
}

func (a *App) Reset(ctx context.Context) error {
	if err := a.Syncer.ResetSync(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "checkpoint cleared, the next sync is a full resync")
	return nil
}

func (a *App) Migrate(ctx context.Context) error {
	if a.Deps.Migrate == nil {
		return errNoMigration
	}
	rep, err := a.Deps.Migrate(ctx)
	if err != nil {
		return err
	}
	if rep.AlreadyDone {
		fmt.Fprintln(a.out, "migration already completed")
		return nil
	}
	for step, n := range rep.Copied {
		fmt.Fprintf(a.out, "  %s: %d\n", step, n)
	}
	if len(rep.Skipped) > 0 {
		fmt.Fprintf(a.out, "resumed, skipped: %s\n", strings.Join(rep.Skipped, ", "))
	}
	fmt.Fprintln(a.out, "migration complete")
	return nil
}

func (a *App) Sale(ctx context.Context) error {
	party, err := GetSimpleText(a.reader, "Customer id (empty for walk-in)", a.out)
	if err != nil {
		return err
	}
	lines, err := GetSaleLines(a.reader, a.out)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		fmt.Fprintln(a.out, "no lines, sale cancelled")
		return nil
	}
	sale := &models.Sale{PartyID: party, Lines: lines}
	res, err := a.Sales.CreateSale(ctx, sale)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "total %s\n", sale.Total.StringFixed(2))
	return a.printResult(models.EntitySale, res)
}

func (a *App) Adjust(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return usageError("adjust <product id> <delta> [reason]")
	}
	delta, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return usageError("adjust <product id> <delta> [reason]")
	}
	res, err := a.Stock.AdjustStock(ctx, args[0], delta, strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	return a.printResult(models.EntityStockAdjustment, res)
}

func (a *App) Party(ctx context.Context, args []string) error {
	const usage = usageError("party add | party rm <id>")
	if len(args) == 0 {
		return usage
	}
	switch args[0] {
	case "add":
		name, err := GetSimpleText(a.reader, "Name", a.out)
		if err != nil {
			return err
		}
		kind, err := GetSimpleText(a.reader, "Kind (customer/supplier) [customer]", a.out)
		if err != nil {
			return err
		}
		phone, err := GetSimpleText(a.reader, "Phone (optional)", a.out)
		if err != nil {
			return err
		}
		p := &models.Party{Name: name, Kind: models.PartyKind(kind), Phone: phone}
		if p.Kind == "" {
			p.Kind = models.PartyCustomer
		}
		res, err := a.Parties.CreateParty(ctx, p)
		if err != nil {
			return err
		}
		return a.printResult(models.EntityParty, res)
	case "rm":
		if len(args) != 2 {
			return usage
		}
		res, err := a.Parties.DeleteParty(ctx, args[1])
		if err != nil {
			return err
		}
		return a.printResult(models.EntityParty, res)
	}
	return usage
}

func (a *App) printResult(e models.Entity, res services.Result) error {
	switch res.Outcome {
	case services.OutcomeSynced:
		fmt.Fprintf(a.out, "%s %s saved\n", e, res.ID)
	case services.OutcomeQueued:
		fmt.Fprintf(a.out, "%s %s saved locally, queued as item %d (%s)\n", e, res.ID, res.ItemID, res.Kind)
	default:
		if res.Err != nil {
			return fmt.Errorf("%s not saved (%s): %w", e, res.Kind, res.Err)
		}
		return fmt.Errorf("%s not saved (%s)", e, res.Kind)
	}
	return nil
}

func (a *App) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(b))
	return err
}

func itemID(args []string, usage string) (int64, error) {
	if len(args) == 0 {
		return 0, usageError(usage)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, usageError(usage)
	}
	return id, nil
}
