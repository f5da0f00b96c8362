// Package pagination lists change directories in a deterministic
// (mtime DESC, slug ASC) order with cursor-stable resumption.
package pagination

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/taskd/api"
	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/lock"
	"pkt.systems/taskd/internal/resourceuri"
	"pkt.systems/taskd/internal/svcfields"
)

const (
	// DefaultPageSize applies when the caller does not ask for a size.
	DefaultPageSize = 20
	// MaxPageSize caps the caller-requested page size.
	MaxPageSize = 100
)

// TitleFunc resolves the human title for the change rooted at path.
// Implementations must tolerate missing or unreadable metadata.
type TitleFunc func(path string) string

// Config wires an Engine.
type Config struct {
	// Dirs are the roots scanned for change directories.
	Dirs []string
	// Locks supplies the on-disk lock convention for isLocked derivation.
	Locks lock.Store
	// Title resolves entry titles; nil leaves titles empty.
	Title TitleFunc
	// Scheme is the URI scheme for item addresses (default "change").
	Scheme string
	Clock  clock.Clock
	Logger pslog.Logger
}

// Query selects a page either by number or by continuation token. A
// non-empty PageToken wins over Page.
type Query struct {
	Page      int
	PageSize  int
	PageToken string
}

// Engine produces stable pages over the configured directories.
type Engine struct {
	cfg          Config
	logger       pslog.Logger
	tokenInvalid metric.Int64Counter

	watch *watchState
}

type entry struct {
	dir     string
	slug    string
	mtime   time.Time
	sortKey string
}

// New constructs an Engine. Call Start to enable the fsnotify snapshot
// cache; without it every List call rescans the directories.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "change"
	}
	e := &Engine{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(cfg.Logger, "pagination"),
	}
	meter := otel.Meter("pkt.systems/taskd/internal/pagination")
	counter, err := meter.Int64Counter(
		"taskd.pagination.token_invalid",
		metric.WithDescription("Page tokens rejected during decode"),
	)
	if err == nil {
		e.tokenInvalid = counter
	}
	return e
}

// List implements the listing operation described in the package comment.
func (e *Engine) List(ctx context.Context, q Query) (*api.ChangePage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := q.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	entries, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	total := len(entries)

	page := q.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size

	if q.PageToken != "" {
		token, err := decodeToken(q.PageToken)
		if err != nil {
			// Invalid tokens degrade to page 1 rather than failing the
			// request; the counter keeps looping clients visible.
			e.logger.Warn("pagination.token.invalid", "error", err)
			if e.tokenInvalid != nil {
				e.tokenInvalid.Add(ctx, 1)
			}
			page = 1
			start = 0
		} else if token.SortKey != "" {
			page = token.Page
			start = sort.Search(total, func(i int) bool {
				return entries[i].sortKey > token.SortKey
			})
		} else {
			page = token.Page
			start = (page - 1) * size
		}
	}

	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	items := make([]api.ChangeListItem, 0, end-start)
	for _, ent := range entries[start:end] {
		items = append(items, e.item(ctx, ent))
	}

	pageResp := &api.ChangePage{
		Items:      items,
		Page:       page,
		PageSize:   size,
		TotalItems: total,
		TotalPages: (total + size - 1) / size,
		HasMore:    end < total,
	}
	now := e.cfg.Clock.Now().Format(time.RFC3339)
	if pageResp.HasMore && len(items) > 0 {
		pageResp.NextPageToken = encodeToken(pageToken{
			Page:      page + 1,
			Timestamp: now,
			SortKey:   entries[end-1].sortKey,
		})
	}
	if page > 1 {
		pageResp.PreviousPageToken = encodeToken(pageToken{
			Page:      page - 1,
			Timestamp: now,
		})
	}
	return pageResp, nil
}

func (e *Engine) item(ctx context.Context, ent entry) api.ChangeListItem {
	item := api.ChangeListItem{
		Slug:  ent.slug,
		MTime: ent.mtime,
		URI:   fmt.Sprintf("%s://%s", e.cfg.Scheme, ent.slug),
	}
	if e.cfg.Title != nil {
		item.Title = e.cfg.Title(filepath.Join(ent.dir, ent.slug))
	}
	if e.cfg.Locks != nil {
		if _, fresh, err := e.cfg.Locks.Inspect(ctx, ent.slug); err == nil {
			item.IsLocked = fresh
		}
	}
	return item
}

// scan reads every configured directory and derives sorted entries. Each
// scan is a best-effort snapshot: unreadable entries and non-directories
// are skipped, never fatal.
func (e *Engine) scan() ([]entry, error) {
	var entries []entry
	for _, dir := range e.cfg.Dirs {
		dirents, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("pagination: read %s: %w", dir, err)
		}
		for _, de := range dirents {
			name := de.Name()
			if strings.HasPrefix(name, ".") || !de.IsDir() {
				continue
			}
			if !listableName(name) {
				continue
			}
			info, err := de.Info()
			if err != nil {
				e.logger.Debug("pagination.entry.skip", "name", name, "error", err)
				continue
			}
			mtime := info.ModTime()
			entries = append(entries, entry{
				dir:     dir,
				slug:    name,
				mtime:   mtime,
				sortKey: SortKey(mtime, name),
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].sortKey < entries[j].sortKey
	})
	return entries, nil
}

// listableName accepts change slugs plus the archive naming convention,
// slug + "-" + unix-ms, whose combined length may exceed the slug cap.
func listableName(name string) bool {
	if resourceuri.IsValidSlug(name) {
		return true
	}
	i := strings.LastIndexByte(name, '-')
	if i <= 0 {
		return false
	}
	suffix := name[i+1:]
	if len(suffix) < 10 {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return resourceuri.IsValidSlug(name[:i])
}

// SortKey renders the (mtime DESC, slug ASC) position of an entry as a
// string whose ascending lexicographic order equals the listing order.
func SortKey(mtime time.Time, slug string) string {
	ms := mtime.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%016x:%s", uint64(math.MaxInt64-ms), slug)
}
