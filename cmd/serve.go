package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/cppla/surveyreward/config"
	"github.com/cppla/surveyreward/routes"
	"github.com/cppla/surveyreward/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API.",
	RunE:  serveRun,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serveRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	r := routes.SetupRouter(routes.Deps{
		DB:      config.DB(),
		Users:   a.users,
		Surveys: a.surveys,
		Rewards: a.rewards,
		Faucet:  a.faucet,
		Mail:    utils.SendMail,
		Log:     utils.Sugar.Named("http"),
	})

	stale := time.Duration(a.cfg.StaleConversionMinutes) * time.Minute
	utils.StartConversionReconciler(ctx, a.rewards, stale/3, stale)

	utils.Sugar.Infow("starting server", "port", a.cfg.AppPort, "faucet_mode", a.faucet.Mode(), "chain", a.cfg.ChainName)
	if err := utils.GraceServer(ctx, ":"+a.cfg.AppPort, r, cancel); err != nil {
		utils.Sugar.Errorw("server stopped with error", "error", err)
		return err
	}
	return nil
}
