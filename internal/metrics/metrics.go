// Package metrics exports chain and peer statistics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/Klingon-tech/klingnet-node/internal/chain"
	"github.com/Klingon-tech/klingnet-node/internal/consensus"
	"github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/internal/p2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "klingnet"

// Metrics holds the node's collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	tipHeight       prometheus.Gauge
	tipWork         prometheus.Gauge
	blocksConnected prometheus.Counter
	reorgs          prometheus.Counter
	reorgDepth      prometheus.Histogram
	invalidBlocks   *prometheus.CounterVec
	offenses        prometheus.Counter
	bans            prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		tipHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "tip_height",
			Help: "Height of the main chain tip.",
		}),
		tipWork: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "tip_work",
			Help: "Cumulative work of the main chain tip.",
		}),
		blocksConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "blocks_connected_total",
			Help: "Blocks connected to the main chain.",
		}),
		reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "reorgs_total",
			Help: "Tip changes that disconnected blocks.",
		}),
		reorgDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "chain", Name: "reorg_depth",
			Help:    "Blocks disconnected per reorg.",
			Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
		}),
		invalidBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "invalid_blocks_total",
			Help: "Blocks rejected by consensus rules.",
		}, []string{"stage", "reason"}),
		offenses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "peers", Name: "offenses_total",
			Help: "Misbehaviour points recorded against peers.",
		}),
		bans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "peers", Name: "bans_total",
			Help: "Peer bans issued or extended.",
		}),
	}
	m.reg.MustRegister(
		m.tipHeight, m.tipWork, m.blocksConnected, m.reorgs,
		m.reorgDepth, m.invalidBlocks, m.offenses, m.bans,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// WatchPeers exports the connected and banned peer counts.
func (m *Metrics) WatchPeers(connected func() int, banned func() int) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "peers", Name: "connected",
			Help: "Connected peers.",
		}, func() float64 { return float64(connected()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "peers", Name: "banned",
			Help: "Currently banned peers.",
		}, func() float64 { return float64(banned()) }),
	)
}

// OnTipChanged implements chain.TipObserver.
func (m *Metrics) OnTipChanged(ev chain.TipEvent) {
	m.tipHeight.Set(float64(ev.New.Height))
	if ev.New.Work != nil {
		w, _ := new(big.Float).SetInt(ev.New.Work).Float64()
		m.tipWork.Set(w)
	}
	m.blocksConnected.Add(float64(len(ev.Attached)))
	if ev.IsReorg() {
		m.reorgs.Inc()
		m.reorgDepth.Observe(float64(len(ev.Detached)))
	}
}

// OnBan counts a ban. It matches the p2p ban hook.
func (m *Metrics) OnBan(p2p.BanRecord) {
	m.bans.Inc()
}

// Penalizer wraps inner so every punishment and offense is counted.
func (m *Metrics) Penalizer(inner chain.Penalizer) chain.Penalizer {
	return &countingPenalizer{inner: inner, m: m}
}

type countingPenalizer struct {
	inner chain.Penalizer
	m     *Metrics
}

func (p *countingPenalizer) Punish(id peer.ID, err *consensus.Error) {
	if err != nil {
		p.m.invalidBlocks.WithLabelValues(err.Stage.String(), string(err.Reason)).Inc()
	}
	p.inner.Punish(id, err)
}

func (p *countingPenalizer) RecordOffense(id peer.ID, points int, reason string) bool {
	p.m.offenses.Add(float64(points))
	return p.inner.RecordOffense(id, points, reason)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Node.Info().Str("addr", addr).Msg("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
