package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/calyxdb/calyx/internal/server"
	"github.com/calyxdb/calyx/internal/server/etc"
)

func main() {
	conf := makeConfig()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(conf.MetricsAddr, nil); err != nil {
			log.Errorf("metrics listener stopped: %v", err)
		}
	}()

	srv, err := server.StartServer(conf)
	if err != nil {
		log.Fatalf("failed to start server: %v", err)
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigC
		srv.Kill()
	}()

	<-srv.KilledC
}

func makeConfig() etc.ServerConf {
	var confPath string
	flag.StringVar(&confPath, "c", "", "config file path")
	flag.Parse()

	if confPath == "" {
		log.Fatalf("no config file path provided")
	}
	return etc.ParseServerConf(confPath)
}
