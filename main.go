package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/go-lokinet/go-lokinet/lib/config"
	"github.com/go-lokinet/go-lokinet/lib/link"
	"github.com/go-lokinet/go-lokinet/lib/router"
	"github.com/go-lokinet/go-lokinet/lib/util/logger"
	"github.com/go-lokinet/go-lokinet/lib/util/signals"
)

var log = logger.GetLogger()

func main() {
	root := &cobra.Command{
		Use:   "go-lokinet",
		Short: "anonymizing onion router",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRouter()
		},
	}
	root.PersistentFlags().StringVar(&config.CfgFile, "config", "", "path to config file")
	if err := root.Execute(); err != nil {
		log.Errorf("fatal: %s", err)
		os.Exit(1)
	}
}

func runRouter() error {
	config.InitConfig()
	cfg := config.NewRouterConfigFromViper()

	go signals.Handle()
	log.Debug("starting up router")
	r, err := router.CreateRouter(cfg)
	if err != nil {
		return err
	}
	// a stub transport keeps a linkless router runnable; a real link
	// layer is installed by the embedding process
	net := link.NewMemNet()
	r.SetLink(link.NewMemLink(net, r.OurRC, r))

	signals.RegisterReloadHandler(func() {
		candidate := config.NewRouterConfigFromViper()
		if !candidate.Validate() {
			log.Warn("rejecting invalid config reload")
			return
		}
		log.Info("config reloaded")
	})
	signals.RegisterInterruptHandler(func() {
		r.Stop()
	})
	if err := r.Run(); err != nil {
		return err
	}
	r.Wait()
	r.Close()
	return nil
}
