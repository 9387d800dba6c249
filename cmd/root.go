// Package cmd contains the surveyreward command line.
package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cppla/surveyreward/config"
	"github.com/cppla/surveyreward/faucet"
	"github.com/cppla/surveyreward/models"
	"github.com/cppla/surveyreward/services"
	"github.com/cppla/surveyreward/utils"
	"github.com/cppla/surveyreward/wallet"
)

var rootCmd = &cobra.Command{
	Use:          "surveyreward",
	Short:        "Survey voting backend that pays points out as test network ETH.",
	SilenceUsage: true,
	RunE:         serveRun,
}

// Execute runs the command line. Without a subcommand it serves the API.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the dependencies shared by every subcommand.
type app struct {
	cfg     config.AppConfig
	faucet  *faucet.Client
	users   *services.UserService
	surveys *services.SurveyService
	rewards *services.RewardService
}

// bootstrap loads configuration, logging, the database and the faucet client.
func bootstrap(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if err := utils.InitLogger(cfg); err != nil {
		return nil, err
	}
	log := utils.Sugar

	db := config.InitDatabase(models.All()...)

	f, err := faucet.New(ctx, faucet.Config{
		RPCURL:        cfg.FaucetRPCURL,
		Mode:          cfg.FaucetMode,
		SenderAddress: cfg.FaucetSenderAddress,
		Timeout:       time.Duration(cfg.FaucetTimeoutSec) * time.Second,
	}, log.Named("faucet"))
	if err != nil {
		return nil, err
	}

	chain := services.ChainInfo{
		ChainID:   cfg.ChainID,
		ChainName: cfg.ChainName,
		RPCURL:    cfg.FaucetRPCURL,
	}
	return &app{
		cfg:     cfg,
		faucet:  f,
		users:   services.NewUserService(db, wallet.Verifier{}, log.Named("users")),
		surveys: services.NewSurveyService(db, cfg.VoteRewardPoints, log.Named("surveys")),
		rewards: services.NewRewardService(db, f, cfg.MaxConversionPoints, chain, log.Named("rewards")),
	}, nil
}

func (a *app) close() {
	a.faucet.Close()
	utils.CloseRedis()
	if utils.Logger != nil {
		_ = utils.Logger.Sync()
	}
}
