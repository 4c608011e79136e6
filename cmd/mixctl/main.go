// main.go - command line entry point
// Copyright (C) 2026  Mixcore Contributors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package main implements mixctl, the CLI entry point that wires together
// the descriptor/directory catalog and the delivery/mix-pool queues into
// a runnable process, grounded on the teacher's flag-based mains
// (talek/replica/main.go, ping/ping.go).
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixcore/catalog/config"
	"github.com/katzenpost/mixcore/catalog/descriptor"
	"github.com/katzenpost/mixcore/catalog/s11n"
	"github.com/katzenpost/mixcore/catalog/xcrypto"
	"github.com/katzenpost/mixcore/delivery/mbox"
	"github.com/katzenpost/mixcore/delivery/smtp"
	"github.com/katzenpost/mixcore/internal/log"
	"github.com/katzenpost/mixcore/internal/metrics"
	"github.com/katzenpost/mixcore/internal/procconfig"
	"github.com/katzenpost/mixcore/internal/rng"
	"github.com/katzenpost/mixcore/internal/worker"
	"github.com/katzenpost/mixcore/queue"
	"github.com/katzenpost/mixcore/queue/delivery"
	"github.com/katzenpost/mixcore/queue/mixpool"
	"github.com/katzenpost/mixcore/transport/mmtp"
)

func main() {
	var configFile string
	var queueDir string
	var command string
	var showVersion bool

	flag.StringVar(&command, "command", "serve", "one of: serve, sign, verify")
	flag.StringVar(&configFile, "config", "", "TOML process configuration file (overrides defaults)")
	flag.StringVar(&queueDir, "queue_dir", "", "root directory for queue/delivery/mixpool state (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(versioninfo.Short())
		return
	}

	cfg, err := loadConfig(configFile, queueDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixctl: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	backend, err := log.New(logFile(cfg.Logging.Dir), cfg.Logging.Level, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixctl: failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	logger := backend.GetLogger("mixctl")

	switch command {
	case "sign":
		if err := runSign(logger); err != nil {
			logger.Errorf("sign: %v", err)
			os.Exit(1)
		}
	case "verify":
		if err := runVerify(logger); err != nil {
			logger.Errorf("verify: %v", err)
			os.Exit(1)
		}
	case "serve":
		if cfg.QueueDir == "" {
			fmt.Fprintln(os.Stderr, "mixctl: -queue_dir (or config QueueDir) is required for serve")
			os.Exit(1)
		}
		if err := runServe(logger, cfg); err != nil {
			logger.Errorf("serve: %v", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "mixctl: unrecognized -command %q\n", command)
		os.Exit(1)
	}
}

// loadConfig loads the TOML process configuration (if a path is given),
// otherwise falls back to procconfig.Default; an explicit -queue_dir flag
// always takes precedence over the config file's QueueDir.
func loadConfig(configFile, queueDir string) (*procconfig.Config, error) {
	var cfg *procconfig.Config
	var err error
	if configFile != "" {
		cfg, err = procconfig.Load(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = procconfig.Default(queueDir)
	}
	if queueDir != "" {
		cfg.QueueDir = queueDir
	}
	return cfg, nil
}

func logFile(dir string) string {
	if dir == "" {
		return ""
	}
	return dir + "/mixctl.log"
}

// newDeliverer builds the concrete Deliverer cfg.Delivery selects: an
// mbox maildrop, an SMTP relay, a single MMTP/QUIC next hop, or nil
// (messages accumulate in the delivery queue and are retried/expired,
// but never sent anywhere) if none is configured.
func newDeliverer(cfg *procconfig.Config, logger *logging.Logger) delivery.Deliverer {
	switch {
	case cfg.Delivery.MBOXDir != "":
		return mbox.NewDeliverer(cfg.Delivery.MBOXDir, 32)
	case cfg.Delivery.SMTPRelay != "":
		addressOf := func(payload []byte) (string, []byte, error) {
			return cfg.Delivery.SMTPFrom, payload, nil
		}
		return smtp.NewDeliverer(cfg.Delivery.SMTPRelay, cfg.Delivery.SMTPFrom, 32, addressOf)
	case cfg.Delivery.MMTPDescriptorFile != "":
		raw, err := os.ReadFile(cfg.Delivery.MMTPDescriptorFile)
		if err != nil {
			logger.Errorf("mixctl: failed to read MMTP destination descriptor %s: %v", cfg.Delivery.MMTPDescriptorFile, err)
			return nil
		}
		dest, err := descriptor.Parse(descriptor.ParseOptions{Text: raw, Log: logger})
		if err != nil {
			logger.Errorf("mixctl: invalid MMTP destination descriptor %s: %v", cfg.Delivery.MMTPDescriptorFile, err)
			return nil
		}
		return mmtp.NewClient(dest, logger)
	default:
		return nil
	}
}

// runServe starts the delivery queue and mix pool against cfg.QueueDir,
// running until interrupted by a signal. It is the reference "server
// loop" a real deployment would extend with transport listeners.
func runServe(logger *logging.Logger, cfg *procconfig.Config) error {
	r := rng.New(rand.Reader)
	mixInterval := cfg.MixInterval.Duration
	m := metrics.New(prometheus.NewRegistry())

	mixQ, err := queue.New(queue.Options{
		Dir: cfg.QueueDir + "/mix", Create: true, Scrub: true, RNG: r, Log: logger,
		Metrics: m, Name: "mix",
	})
	if err != nil {
		return err
	}
	var pool interface{ GetBatch() []string }
	if cfg.Mix.Binomial {
		pool = mixpool.NewBinomialCottrellMixPool(mixQ, mixInterval, cfg.Mix.MinPool, cfg.Mix.MinSend, cfg.Mix.SendRate, r, m)
	} else {
		pool = mixpool.NewCottrellMixPool(mixQ, mixInterval, cfg.Mix.MinPool, cfg.Mix.MinSend, cfg.Mix.SendRate, m)
	}

	dq, err := delivery.New(delivery.Options{
		Dir:           cfg.QueueDir + "/delivery",
		RNG:           r,
		Log:           logger,
		RetrySchedule: cfg.Durations(),
		Deliverer:     newDeliverer(cfg, logger),
		Metrics:       m,
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(mixInterval)
	defer ticker.Stop()

	var w worker.Worker
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	w.Go(func() {
		for {
			select {
			case <-ticker.C:
				batch := pool.GetBatch()
				logger.Debugf("mixctl: released mix batch of %d messages", len(batch))
				dq.SendReadyMessages(time.Now())
			case <-w.HaltCh():
				return
			}
		}
	})

	logger.Noticef("mixctl %s: serving from %s, mix interval %s", versioninfo.Short(), cfg.QueueDir, mixInterval)
	<-sigCh
	logger.Notice("mixctl: received shutdown signal, halting")
	w.Halt()
	return nil
}

// runSign reads a descriptor template (with empty Digest/Signature
// fields) from stdin, signs it against a freshly generated identity key,
// and writes the signed descriptor to stdout. This is a development
// convenience, not a production key-management tool.
func runSign(logger *logging.Logger) error {
	raw, err := readAll(os.Stdin)
	if err != nil {
		return err
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	signer := xcrypto.NewSigner(priv)
	defer signer.Destroy()

	signed, err := s11n.Sign(raw, s11n.ServerFields, signer)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(signed)
	return err
}

// runVerify reads a descriptor from stdin and reports whether it parses
// and validates successfully.
func runVerify(logger *logging.Logger) error {
	raw, err := readAll(os.Stdin)
	if err != nil {
		return err
	}
	desc, err := descriptor.Parse(descriptor.ParseOptions{Text: raw, Log: logger})
	if err != nil {
		if _, ok := err.(*config.Error); ok {
			fmt.Printf("invalid: %v\n", err)
			os.Exit(1)
		}
		return err
	}
	fmt.Printf("valid: nickname=%s digest=%s\n", desc.Nickname(), config.FormatBase64(func() []byte { d := desc.Digest(); return d[:] }()))
	return nil
}

func readAll(f *os.File) ([]byte, error) {
	st, err := f.Stat()
	if err == nil && st.Size() > 0 {
		buf := make([]byte, st.Size())
		_, err := f.Read(buf)
		return buf, err
	}
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}
	return out, nil
}
