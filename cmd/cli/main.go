package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/cmd/cli/internal/commands"
	"github.com/wolfeidau/encacl/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Keys         commands.KeysCmd         `cmd:"" help:"Manage signing keys"`
		Profile      commands.ProfileCmd      `cmd:"" help:"Show or set the stored server endpoints"`
		Token        commands.TokenCmd        `cmd:"" help:"Print a bearer token for a key"`
		Hash         commands.HashCmd         `cmd:"" help:"Derive a resource id from a label"`
		Grant        commands.GrantCmd        `cmd:"" help:"Grant a permission over a resource"`
		Get          commands.GetCmd          `cmd:"" help:"Show a permission"`
		List         commands.ListCmd         `cmd:"" help:"List permissions by owner or resource"`
		Evaluate     commands.EvaluateCmd     `cmd:"" help:"Check whether you are the grantee of a permission"`
		UpdateLevel  commands.UpdateLevelCmd  `cmd:"" name:"update-level" help:"Replace the level of a permission you own"`
		Revoke       commands.RevokeCmd       `cmd:"" help:"Revoke a permission you own"`
		DecryptLevel commands.DecryptLevelCmd `cmd:"" name:"decrypt-level" help:"Decrypt the level of a permission you own"`
		Watch        commands.WatchCmd        `cmd:"" help:"Stream registry events"`
		Debug        bool                     `help:"Enable debug mode."`
		Version      kong.VersionFlag
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("encacl"),
		kong.Description("Confidential access control registry client."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	log := logger.Setup(cli.Debug)
	if !cli.Debug {
		log = log.Level(zerolog.WarnLevel)
	}
	zlog.Logger = log

	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
