package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dmitrijs2005/posync/internal/client/conflict"
	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/orchestrator"
	"github.com/dmitrijs2005/posync/internal/client/queue"
	"github.com/dmitrijs2005/posync/internal/client/services"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/client/syncer"
)

type Controller interface {
	Snapshot() orchestrator.StateSnapshot
	TriggerSync(ctx context.Context) (syncer.Result, error)
	TriggerDrain(ctx context.Context) (queue.DrainResult, error)
	Refresh(ctx context.Context)
}

type QueueAdmin interface {
	List(ctx context.Context, status models.QueueStatus) ([]*models.QueueItem, error)
	Get(ctx context.Context, id int64) (*models.QueueItem, error)
	Retry(ctx context.Context, id int64) (*models.QueueItem, error)
	Discard(ctx context.Context, id int64) error
	Resolve(ctx context.Context, id int64, strategy conflict.Strategy, merged json.RawMessage) (*models.QueueItem, error)
}

// Resetter drops the sync checkpoint.
type Resetter interface {
	ResetSync(ctx context.Context) error
}

// Deps are the collaborators behind the commands. Migrate may be nil when
// the active engine is not SQLite.
type Deps struct {
	Controller Controller
	Queue      QueueAdmin
	Syncer     Resetter
	Sales      services.SaleService
	Stock      services.StockService
	Parties    services.PartyService
	Migrate    func(ctx context.Context) (storage.MigrationReport, error)
}

type App struct {
	Deps
	reader *bufio.Reader
	out    io.Writer
}

func NewApp(d Deps, in io.Reader, out io.Writer) *App {
	return &App{Deps: d, reader: bufio.NewReader(in), out: out}
}

// Run blocks in the REPL until the user exits, input ends or ctx is done.
func (a *App) Run(ctx context.Context) {
	fmt.Fprintln(a.out, "posync till console (type 'help' for commands)")
	runREPL(ctx, a, a.prompt, a.reader)
}

func (a *App) prompt() string {
	s := a.Controller.Snapshot()
	mode := "offline"
	if s.IsOnline {
		mode = "online"
	}
	return fmtPrompt(mode, s.SyncStatus, s.PendingActions)
}
