package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridpilot/hems/config"
	"github.com/gridpilot/hems/core/model"
	"github.com/gridpilot/hems/core/thermal"
	"github.com/gridpilot/hems/infra/coreapi"
	"github.com/gridpilot/hems/infra/logger"
)

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Run one thermal-model learning cycle and persist the artifact",
	RunE:  runLearn,
}

func init() {
	rootCmd.AddCommand(learnCmd)
}

func runLearn(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New("learn")
	api := coreapi.NewHTTPClient(cfg.CoreAPI, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	devices, err := api.Devices(ctx)
	if err != nil {
		return fmt.Errorf("device inventory: %w", err)
	}
	zones := model.FilterByKind(devices, model.KindSpaceHeating)
	if len(zones) == 0 {
		return fmt.Errorf("no space heating devices to learn from")
	}

	store := thermal.NewStore(cfg.Thermal.ModelPath)
	learner := thermal.NewLearner(log)
	learner.LambdaX = cfg.Thermal.LambdaX
	learner.LambdaU = cfg.Thermal.LambdaU
	learner.LambdaW = cfg.Thermal.LambdaW
	// A zero TTL forces the relearn regardless of artifact age.
	validator := thermal.NewValidator(store, learner, api, 0,
		time.Duration(cfg.Thermal.LookbackDays)*24*time.Hour, log)

	m, err := validator.ValidateOrLearn(ctx, zones)
	if err != nil {
		return err
	}
	log.Infof("thermal model for %d zones learned at %s, spectral radius bound %.4f",
		m.Zones, m.LearnedAt.Format(time.RFC3339), m.SpectralRadiusBound())
	return nil
}
