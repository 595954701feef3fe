// sipua-call - минимальный UA: слушает SIP, умеет позвонить на URI и
// печатает события сессии. Демонстрация сигнального ядра pkg/ua.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/sipua/pkg/media"
	"github.com/arzzra/sipua/pkg/ua"
)

func main() {
	var (
		localURI = flag.String("uri", "sip:sipua@127.0.0.1", "local identity URI")
		listen   = flag.String("listen", "127.0.0.1:5060", "listen address")
		dial     = flag.String("dial", "", "URI to call (empty: just answer)")
		debug    = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	agent, err := ua.NewUserAgent(ua.UserAgentConfig{
		URI:            *localURI,
		ListenAddr:     *listen,
		SessionExpires: 1800,
		Logger:         log,
		Registerer:     prometheus.DefaultRegisterer,
		MediaFactory: func() media.Handler {
			return media.NewSDPHandler(media.SDPConfig{Address: "127.0.0.1"})
		},
	})
	if err != nil {
		log.Error("init UA", "err", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent.On(ua.EventNewSession, func(ev ua.Event) {
		ns := ev.(ua.NewSessionEvent)
		sess := ns.Session
		fmt.Printf("session %s (%s)\n", sess.ID(), sess.Direction())

		sess.On(ua.EventProgress, func(ua.Event) { fmt.Println("  progress") })
		sess.On(ua.EventStarted, func(ua.Event) { fmt.Println("  started") })
		sess.On(ua.EventEnded, func(ev ua.Event) {
			e := ev.(ua.EndedEvent)
			fmt.Printf("  ended: %s (%s)\n", e.Cause, e.Originator)
		})
		sess.On(ua.EventFailed, func(ev ua.Event) {
			e := ev.(ua.FailedEvent)
			fmt.Printf("  failed: %s (%s)\n", e.Cause, e.Originator)
		})

		if ns.Originator == ua.OriginatorRemote {
			go func() {
				time.Sleep(time.Second)
				if err := sess.Answer(ctx, ua.AnswerOptions{}); err != nil {
					log.Error("answer", "err", err.Error())
				}
			}()
		}
	})

	go func() {
		if err := agent.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Error("serve", "err", err.Error())
			stop()
		}
	}()

	if *dial != "" {
		var target sip.Uri
		if err := sip.ParseUri(*dial, &target); err != nil {
			log.Error("bad dial URI", "err", err.Error())
			os.Exit(1)
		}
		// даём слушателю подняться
		time.Sleep(200 * time.Millisecond)
		if _, err := agent.Call(ctx, target, ua.CallOptions{}); err != nil {
			log.Error("call", "err", err.Error())
			os.Exit(1)
		}
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = agent.Shutdown(shutdownCtx)
}
