package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/kerf/teegate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	listenFlag := flag.String("listen", ":8443", "Gateway listen address")
	pathFlag := flag.String("path", teegate.DefaultPath, "Websocket endpoint path")
	secretFlag := flag.String("secret", "", "HMAC token secret (or KERF_TOKEN_SECRET)")
	metricsFlag := flag.String("metrics-listen", "", "Prometheus listen address (empty disables)")
	levelFlag := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	platformFlag := flag.String("platform", "TDX", "Attestation platform reported to clients")
	flag.Parse()

	log := logrus.New()
	level, err := logrus.ParseLevel(*levelFlag)
	if err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	log.SetLevel(level)

	secret := *secretFlag
	if secret == "" {
		secret = os.Getenv("KERF_TOKEN_SECRET")
	}
	if secret == "" {
		log.Fatal("a token secret is required (-secret or KERF_TOKEN_SECRET)")
	}

	// Dev-mode provider: a fresh static key with a placeholder document.
	// Production deployments inject a TDX/SEV-SNP provider instead.
	provider, err := teegate.NewStaticProvider(teegate.AttestationDocument{
		Platform:    *platformFlag,
		Attestation: "unattested-dev-mode",
	})
	if err != nil {
		log.Fatalf("attestation provider: %v", err)
	}

	opts := []teegate.Option{
		teegate.WithAttestationProvider(provider),
		teegate.WithTokenSecret([]byte(secret)),
		teegate.WithPath(*pathFlag),
		teegate.WithLogger(log),
	}
	if *metricsFlag != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, teegate.WithMetrics(teegate.NewPrometheusMetrics(reg, "teegate")))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Fatal(http.ListenAndServe(*metricsFlag, mux))
		}()
	}

	routes := teegate.NewRouteTable()
	routes.HandleFunc("GET", "/ping", pingHandler)

	gw, err := teegate.NewGateway(routes, opts...)
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}

	srv := &http.Server{
		Addr:              *listenFlag,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("teegate listening on %s%s", *listenFlag, *pathFlag)
	log.Fatal(srv.ListenAndServe())
}

func pingHandler(_ context.Context, _ *teegate.Request, _ *teegate.StreamRegistry) (teegate.Result, error) {
	return teegate.Single(200, []byte("PONG")), nil
}
