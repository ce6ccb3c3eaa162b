package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/digsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/models"
)

var errNoProjet = errors.New("no project selected, run 'use <projet>' first")

func usage(s string) error {
	return fmt.Errorf("usage: %s", s)
}

func (a *App) currentProjet() (string, error) {
	p := a.session.Projet()
	if p == "" {
		return "", errNoProjet
	}
	return p, nil
}

func (a *App) Projets(ctx context.Context) error {
	projets, err := a.syncer.Projets(ctx)
	if err != nil {
		return err
	}
	current := a.session.Projet()
	for _, p := range projets {
		mark := " "
		if p.UUID == current {
			mark = "*"
		}
		fmt.Fprintf(a.out, "%s %s %s %s\n", mark, p.UUID, p.Tag, string(p.Payload))
	}
	return nil
}

// Use makes projet current. The project is downloaded now when online,
// otherwise on the next reconnect.
func (a *App) Use(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("use <projet>")
	}
	projet := args[0]

	if err := a.session.SetProject(ctx, projet); err != nil {
		return err
	}
	if err := a.store.Metadata().Set(ctx, metadata.KeyProjet, []byte(projet)); err != nil {
		return err
	}
	if _, err := a.store.LoadIndex(ctx, projet); errors.Is(err, common.ErrorNotFound) {
		if err := a.index.SaveIndex(ctx, models.ProjectIndex{ProjetUUID: projet}); err != nil {
			return err
		}
	}

	if err := a.syncer.Join(ctx, projet); err != nil {
		a.log.Debug(ctx, "join failed", "projet", projet, "error", err)
	}
	report, err := a.syncer.Pull(ctx, projet)
	if errors.Is(err, common.ErrNetworkUnavailable) {
		fmt.Fprintln(a.out, "offline: the project will be downloaded when the network is back")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "using %s: %d objects downloaded\n", projet, report.Applied)
	return nil
}

// Index prints the manifest state of the current project. "refresh" pulls
// what changed, "full" starts the manifest over.
func (a *App) Index(ctx context.Context, args []string) error {
	projet, err := a.currentProjet()
	if err != nil {
		return err
	}
	switch {
	case len(args) == 0:
	case args[0] == "refresh":
		if _, err := a.syncer.Pull(ctx, projet); err != nil {
			return err
		}
	case args[0] == "full":
		if err := a.index.ClearIndex(ctx, projet); err != nil {
			return err
		}
		if _, err := a.syncer.Pull(ctx, projet); err != nil {
			return err
		}
	default:
		return usage("index [refresh|full]")
	}

	state, err := a.index.Refresh(ctx, projet)
	if err != nil {
		return err
	}
	p, err := a.index.Progress(ctx, projet)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s: %s, %d/%d in store, %d to fetch\n", projet, state, p.InStore, p.Total, p.ToFetch)
	return nil
}

func (a *App) Clear(ctx context.Context) error {
	projet, err := a.currentProjet()
	if err != nil {
		return err
	}
	if err := a.index.ClearIndex(ctx, projet); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "index cleared, objects kept")
	return nil
}

func (a *App) List(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("list <table>")
	}
	table, err := models.ParseTable(args[0])
	if err != nil {
		return err
	}
	if _, err := a.currentProjet(); err != nil {
		return err
	}
	for _, o := range a.session.Table(table).All() {
		fmt.Fprintln(a.out, describe(o))
	}
	return nil
}

func (a *App) Add(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return usage("add <table> [json]")
	}
	table, err := models.ParseTable(args[0])
	if err != nil {
		return err
	}
	payload, err := GetPayload(a.reader, args[1:], a.out)
	if err != nil {
		return err
	}
	bt := a.session.Table(table)
	o, err := bt.New(a.author, payload)
	if err != nil {
		return err
	}
	stored, err := bt.Commit(ctx, o)
	if err != nil {
		return err
	}
	for _, s := range stored {
		fmt.Fprintln(a.out, "added", describe(s))
	}
	return nil
}

func (a *App) load(ctx context.Context, uuid string) (*models.Object, error) {
	o, err := a.store.Get(ctx, "", uuid)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, fmt.Errorf("object %s: %w", uuid, err)
	}
	return o, err
}

func (a *App) commit(ctx context.Context, o *models.Object) error {
	stored, err := a.session.Table(o.Table).Commit(ctx, o)
	if err != nil {
		return err
	}
	for _, s := range stored {
		fmt.Fprintln(a.out, "saved", describe(s))
	}
	return nil
}

func (a *App) Edit(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return usage("edit <uuid> [json]")
	}
	o, err := a.load(ctx, args[0])
	if err != nil {
		return err
	}
	payload, err := GetPayload(a.reader, args[1:], a.out)
	if err != nil {
		return err
	}
	o.Payload = payload
	o.AuthorUUID = a.author
	return a.commit(ctx, o)
}

func (a *App) Archive(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("archive <uuid>")
	}
	o, err := a.load(ctx, args[0])
	if err != nil {
		return err
	}
	o.Archive()
	o.AuthorUUID = a.author
	return a.commit(ctx, o)
}

// Unarchive brings an archived object back to life.
func (a *App) Unarchive(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("unarchive <uuid>")
	}
	o, err := a.load(ctx, args[0])
	if err != nil {
		return err
	}
	o.Restore()
	o.AuthorUUID = a.author
	return a.commit(ctx, o)
}

func (a *App) Show(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("show <uuid>")
	}
	o, err := a.load(ctx, args[0])
	if err != nil {
		return err
	}
	o.Versions = nil
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, string(data))
	if o.Pending {
		fmt.Fprintln(a.out, "pending push")
	}
	if o.SyncError != "" {
		fmt.Fprintln(a.out, "rejected:", o.SyncError)
	}
	queued, err := a.store.Queue(ctx, o.UUID)
	if err != nil {
		return err
	}
	for _, e := range queued {
		line := fmt.Sprintf("queued %s, %d attempts", e.Action, e.Attempts)
		if e.LastError != "" {
			line += ", last error: " + e.LastError
		}
		if e.Blocked {
			line += " [blocked]"
		}
		fmt.Fprintln(a.out, line)
	}
	return nil
}

// History prints the server history when online, the locally known one
// otherwise.
func (a *App) History(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("history <uuid>")
	}
	o, err := a.load(ctx, args[0])
	if err != nil {
		return err
	}
	versions := o.Versions
	source := "local"
	if a.Mode() == ModeOnline {
		remote, err := a.syncer.RemoteVersions(ctx, o.Table, o.UUID)
		if err == nil {
			versions, source = remote, "server"
		} else {
			a.log.Debug(ctx, "remote history unavailable", "uuid", o.UUID, "error", err)
		}
	}
	fmt.Fprintf(a.out, "%d versions (%s)\n", len(versions), source)
	for _, v := range versions {
		fmt.Fprintf(a.out, "#%d %s %s by %s %s\n", v.Seq, time.UnixMilli(v.Modified).Format(time.DateTime),
			liveLabel(v.Status), v.AuthorUUID, string(v.Payload))
	}
	return nil
}

func (a *App) Sync(ctx context.Context) error {
	push, pull, err := a.syncer.Sync(ctx)
	fmt.Fprintf(a.out, "pushed %d (rejected %d), pulled %d (deferred %d)\n",
		push.Acknowledged, push.Rejected, pull.Applied, pull.Deferred)
	return err
}

func (a *App) Status(ctx context.Context) error {
	queued, err := a.store.QueueLength(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "network: %s\ndevice: %s\nauthor: %s\nqueued pushes: %d\n", a.Mode(), a.device, a.author, queued)

	if projet := a.session.Projet(); projet != "" {
		p, err := a.index.Progress(ctx, projet)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "projet: %s %s (%d/%d in store)\n", projet, a.index.State(projet), p.InStore, p.Total)
	}

	pending, err := a.store.PendingObjects(ctx)
	if err != nil {
		return err
	}
	for _, o := range pending {
		if o.SyncError != "" {
			fmt.Fprintf(a.out, "rejected %s: %s\n", describe(o), o.SyncError)
		}
	}
	return nil
}

func (a *App) Resolve(ctx context.Context, args []string) error {
	if len(args) != 2 || (args[1] != "keep" && args[1] != "discard") {
		return usage("resolve <uuid> keep|discard")
	}
	if err := a.store.Resolve(ctx, args[0], args[1] == "keep"); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "resolved", args[0])
	return nil
}

func (a *App) Token(ctx context.Context) error {
	token, err := GetSecret("Access token", a.out)
	if err != nil {
		return err
	}
	if err := a.store.Metadata().Set(ctx, metadata.KeyAccessToken, []byte(token)); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "token stored, it is used from the next start")
	return nil
}

// Reset wipes objects, queued pushes and manifests after confirmation.
func (a *App) Reset(ctx context.Context) error {
	answer, err := GetSimpleText(a.reader, "This drops every unsent edit. Type 'yes' to continue", a.out)
	if err != nil {
		return err
	}
	if answer != "yes" {
		fmt.Fprintln(a.out, "aborted")
		return nil
	}
	if err := a.store.Reset(ctx); err != nil {
		return err
	}
	if err := a.session.SetProject(ctx, a.session.Projet()); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "local store reset")
	return nil
}

func liveLabel(s models.Status) string {
	if s.Live() {
		return "live"
	}
	return "archived"
}

func describe(o *models.Object) string {
	var flags []string
	if !o.Status.Live() {
		flags = append(flags, "archived")
	}
	if o.Pending {
		flags = append(flags, "pending")
	}
	if o.SyncError != "" {
		flags = append(flags, "rejected")
	}
	tag := o.Tag
	if tag == "" {
		tag = "-"
	}
	s := fmt.Sprintf("%s %s %s", o.Table, tag, o.UUID)
	if len(flags) > 0 {
		s += " [" + strings.Join(flags, ",") + "]"
	}
	return s
}
