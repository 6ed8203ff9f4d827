package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/wolfeidau/encacl/internal/models"
	"github.com/wolfeidau/encacl/internal/rpc"
	"github.com/wolfeidau/encacl/internal/store"
)

type GrantCmd struct {
	ClientFlags `embed:""`
	Resource    string `arg:"" help:"Resource id (0x + 64 hex) or, with --label, a resource name"`
	Grantee     string `arg:"" help:"Grantee address"`
	Level       uint8  `arg:"" help:"Access level, 0-255"`
	Label       bool   `help:"Hash the resource argument as a label"`
}

func (g *GrantCmd) Run(ctx context.Context, globals *Globals) error {
	resourceID, err := parseResource(g.Resource, g.Label)
	if err != nil {
		return err
	}
	grantee, err := models.ParseAddress(g.Grantee)
	if err != nil {
		return fmt.Errorf("invalid grantee: %w", err)
	}

	clients, err := g.clients()
	if err != nil {
		return err
	}

	id, err := clients.GrantAccess(ctx, resourceID, grantee, g.Level)
	if err != nil {
		return fmt.Errorf("grant failed: %w", err)
	}

	fmt.Fprintf(globals.out(), "Granted permission %d on %s\n", id, resourceID)
	return nil
}

type GetCmd struct {
	ClientFlags `embed:""`
	ID          uint64 `arg:"" help:"Permission id"`
}

func (g *GetCmd) Run(ctx context.Context, globals *Globals) error {
	clients, err := g.clients()
	if err != nil {
		return err
	}

	p, err := clients.Registry.Get(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("get failed: %w", err)
	}

	printPermission(globals.out(), p)
	return nil
}

type ListCmd struct {
	ClientFlags `embed:""`
	Owner       string `help:"List permissions created by this address, the caller when empty" xor:"filter"`
	Resource    string `help:"List permissions attached to this resource" xor:"filter"`
	Label       bool   `help:"Hash --resource as a label"`
	Details     bool   `help:"Fetch and print every permission" short:"d"`
}

func (l *ListCmd) Run(ctx context.Context, globals *Globals) error {
	clients, err := l.clients()
	if err != nil {
		return err
	}

	var ids []uint64
	if l.Resource != "" {
		resourceID, err := parseResource(l.Resource, l.Label)
		if err != nil {
			return err
		}
		ids, err = clients.Registry.ListByResource(ctx, resourceID)
		if err != nil {
			return fmt.Errorf("list failed: %w", err)
		}
	} else {
		var owner models.Address
		if l.Owner != "" {
			if owner, err = models.ParseAddress(l.Owner); err != nil {
				return fmt.Errorf("invalid owner: %w", err)
			}
		}
		ids, err = clients.Registry.ListByOwner(ctx, owner)
		if err != nil {
			return fmt.Errorf("list failed: %w", err)
		}
	}

	out := globals.out()
	if len(ids) == 0 {
		fmt.Fprintln(out, "No permissions found.")
		return nil
	}

	if !l.Details {
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRESOURCE\tOWNER\tREVOKED\tUPDATED")
	for _, id := range ids {
		p, err := clients.Registry.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("get %d failed: %w", id, err)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%s\n", p.ID, p.ResourceID, p.Owner, p.Revoked, p.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

// EvaluateCmd asks whether the caller is the grantee of a permission.
type EvaluateCmd struct {
	ClientFlags `embed:""`
	ID          uint64 `arg:"" help:"Permission id"`
}

func (e *EvaluateCmd) Run(ctx context.Context, globals *Globals) error {
	clients, err := e.clients()
	if err != nil {
		return err
	}

	granted, err := clients.CheckAccess(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("evaluate failed: %w", err)
	}

	if granted {
		fmt.Fprintf(globals.out(), "Access granted: %s is the grantee of permission %d\n", clients.Caller(), e.ID)
	} else {
		fmt.Fprintf(globals.out(), "Access not granted: %s is not the grantee of permission %d\n", clients.Caller(), e.ID)
	}
	return nil
}

type UpdateLevelCmd struct {
	ClientFlags `embed:""`
	ID          uint64 `arg:"" help:"Permission id"`
	Level       uint8  `arg:"" help:"New access level, 0-255"`
}

func (u *UpdateLevelCmd) Run(ctx context.Context, globals *Globals) error {
	clients, err := u.clients()
	if err != nil {
		return err
	}

	if err := clients.SetLevel(ctx, u.ID, u.Level); err != nil {
		return ownerHint("update-level", err)
	}

	fmt.Fprintf(globals.out(), "Updated level of permission %d\n", u.ID)
	return nil
}

type RevokeCmd struct {
	ClientFlags `embed:""`
	ID          uint64 `arg:"" help:"Permission id"`
}

func (r *RevokeCmd) Run(ctx context.Context, globals *Globals) error {
	clients, err := r.clients()
	if err != nil {
		return err
	}

	if err := clients.Registry.Revoke(ctx, r.ID); err != nil {
		return ownerHint("revoke", err)
	}

	fmt.Fprintf(globals.out(), "Revoked permission %d\n", r.ID)
	return nil
}

// DecryptLevelCmd decrypts the level of a permission the caller owns.
type DecryptLevelCmd struct {
	ClientFlags `embed:""`
	ID          uint64 `arg:"" help:"Permission id"`
}

func (d *DecryptLevelCmd) Run(ctx context.Context, globals *Globals) error {
	clients, err := d.clients()
	if err != nil {
		return err
	}

	level, err := clients.DecryptLevel(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("decrypt-level failed: %w", err)
	}

	fmt.Fprintln(globals.out(), level)
	return nil
}

// WatchCmd prints registry events as they happen.
type WatchCmd struct {
	ClientFlags `embed:""`
	From        uint64 `help:"Replay events after this sequence" default:"0"`
}

func (w *WatchCmd) Run(ctx context.Context, globals *Globals) error {
	clients, err := w.clients()
	if err != nil {
		return err
	}

	out := globals.out()
	last := w.From
	err = clients.Registry.StreamEvents(ctx, w.From, func(ev *rpc.Event) error {
		printEvent(out, ev)
		last = ev.Sequence
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch ended after sequence %d: %w (rerun with --from %d)", last, err, last)
	}
	return nil
}

func printPermission(out io.Writer, p *rpc.Permission) {
	fmt.Fprintf(out, "ID:           %d\n", p.ID)
	fmt.Fprintf(out, "Resource:     %s\n", p.ResourceID)
	fmt.Fprintf(out, "Owner:        %s\n", p.Owner)
	fmt.Fprintf(out, "Grantee:      %s\n", p.EncryptedGrantee)
	fmt.Fprintf(out, "Level:        %s\n", p.EncryptedLevel)
	fmt.Fprintf(out, "Revoked:      %v\n", p.Revoked)
	fmt.Fprintf(out, "Created:      %s\n", p.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Updated:      %s\n", p.UpdatedAt.Format("2006-01-02 15:04:05"))
}

func printEvent(out io.Writer, ev *rpc.Event) {
	resource := ""
	if ev.ResourceID != nil {
		resource = " resource=" + ev.ResourceID.String()
	}
	fmt.Fprintf(out, "%d %s %s permission=%d actor=%s%s\n",
		ev.Sequence, ev.Time.Format("2006-01-02T15:04:05Z07:00"), ev.Kind, ev.PermissionID, ev.Actor, resource)
}

func ownerHint(op string, err error) error {
	if errors.Is(err, store.ErrNotOwner) {
		return fmt.Errorf("%s failed: only the owner of a permission can change it, pass the owner's key with --credential: %w", op, err)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}
