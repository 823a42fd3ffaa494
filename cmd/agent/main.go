// Command agent runs the browser-side fetch executor. It connects to the
// gateway's control channel and performs upstream calls from within the
// authenticated session environment.
package main

import (
	"context"
	"errors"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/StudioProxyAPI/internal/agent"
	"github.com/router-for-me/StudioProxyAPI/internal/logging"
)

func main() {
	var gatewayURL string
	var upstreamURL string
	var proxyURL string
	var maxRetries int
	var retryDelay time.Duration

	flag.StringVar(&gatewayURL, "gateway", "ws://127.0.0.1:2048/agent", "Gateway control channel URL")
	flag.StringVar(&upstreamURL, "upstream", "https://generativelanguage.googleapis.com", "Upstream API origin")
	flag.StringVar(&proxyURL, "proxy", "", "Proxy URL for upstream calls (socks5/http/https)")
	flag.IntVar(&maxRetries, "max-retries", 3, "Upstream fetch attempts per request")
	flag.DurationVar(&retryDelay, "retry-delay", 2*time.Second, "Delay between fetch attempts")
	flag.Parse()

	logging.SetupBaseLogger()
	log.SetLevel(log.InfoLevel)
	if os.Getenv("DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}

	if key := os.Getenv("GATEWAY_API_KEY"); key != "" && !strings.Contains(gatewayURL, "key=") {
		separator := "?"
		if strings.Contains(gatewayURL, "?") {
			separator = "&"
		}
		gatewayURL += separator + "key=" + url.QueryEscape(key)
	}

	a := agent.New(agent.Options{
		GatewayURL:      gatewayURL,
		UpstreamBaseURL: upstreamURL,
		ProxyURL:        proxyURL,
		MaxRetries:      maxRetries,
		RetryDelay:      retryDelay,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agent stopped: %v", err)
	}
}
