//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/probelab/sensd/internal/domain"
	"github.com/probelab/sensd/internal/infra"
	"github.com/probelab/sensd/internal/probe"
	"github.com/probelab/sensd/internal/protocol"
	"github.com/probelab/sensd/internal/sched"
	"github.com/probelab/sensd/internal/store"
	"github.com/probelab/sensd/internal/supervisor"
)

// capturingSink records every datum posted to it.
type capturingSink struct {
	mu     sync.Mutex
	server *httptest.Server
	data   []domain.Datum
}

func newCapturingSink() *capturingSink {
	s := &capturingSink{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []domain.Datum
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.data = append(s.data, batch...)
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	return s
}

func (s *capturingSink) received() []domain.Datum {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Datum, len(s.data))
	copy(out, s.data)
	return out
}

func (s *capturingSink) kinds() map[string]int {
	counts := make(map[string]int)
	for _, d := range s.received() {
		counts[d.Kind]++
	}
	return counts
}

var _ = Describe("Collection Pipeline", func() {
	var (
		tmpDir    string
		sink      *capturingSink
		timers    *sched.ManualTimerService
		scheduler *sched.Scheduler
		stateFile *infra.StateFile
		build     supervisor.Builder
		sup       *supervisor.Supervisor
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "sensd-integration-*")
		Expect(err).NotTo(HaveOccurred())

		sink = newCapturingSink()

		key, err := infra.GenerateKey()
		Expect(err).NotTo(HaveOccurred())
		cryptor, err := infra.NewCryptor(key)
		Expect(err).NotTo(HaveOccurred())

		logger := zap.NewNop()
		timers = sched.NewManualTimerService()
		scheduler = sched.NewScheduler(timers, nil, nil, logger)
		registry := probe.NewRegistry()
		stateFile = infra.NewStateFile(filepath.Join(tmpDir, "state.bin"), cryptor, logger)

		build = func(def domain.ProtocolDefinition) (*protocol.Protocol, error) {
			return protocol.Build(def, protocol.BuildDeps{
				BaseDir:   tmpDir,
				StoreKey:  key,
				Probes:    registry,
				Scheduler: scheduler,
				Registry:  nil,
				Sink:      store.NewHTTPSink(def.SinkURL, 5*time.Second),
				Logger:    logger,
			})
		}

		sup = supervisor.New(scheduler, stateFile, build, logger)
	})

	AfterEach(func() {
		sup.Stop()
		sink.server.Close()
		os.RemoveAll(tmpDir)
	})

	newDefinition := func() domain.ProtocolDefinition {
		return domain.ProtocolDefinition{
			Name: "system-baseline",
			Probes: []domain.ProbeDefinition{
				{Kind: probe.KindCPU, Enabled: true, PollInterval: time.Second},
				{Kind: probe.KindMemory, Enabled: true, PollInterval: time.Second},
			},
			LocalCommitInterval:  time.Second,
			RemoteCommitInterval: time.Second,
			ForwardToRemote:      true,
			SinkURL:              sink.server.URL,
		}
	}

	startProtocol := func() *protocol.Protocol {
		p, err := build(newDefinition())
		Expect(err).NotTo(HaveOccurred())
		sup.RegisterProtocol(p)
		sup.Start()
		Expect(p.Start()).To(Succeed())
		return p
	}

	Describe("probe to sink flow", func() {
		It("delivers polled data through the encrypted store to the sink", func() {
			startProtocol()

			// Each pass fires every armed timer: polls fill the probe
			// buffers, the local commit moves them into SQLite, the remote
			// drain pushes them to the sink.
			Eventually(func() int {
				timers.FireAll()
				return len(sink.received())
			}, 10*time.Second, 100*time.Millisecond).Should(BeNumerically(">", 0))

			kinds := sink.kinds()
			Expect(kinds).To(HaveKey(probe.KindCPU))

			for _, d := range sink.received() {
				Expect(d.ID).NotTo(BeEmpty())
				Expect(d.ProbeID).NotTo(BeEmpty())
				Expect(d.Timestamp.IsZero()).To(BeFalse())
			}
		})

		It("keeps data on disk encrypted", func() {
			p := startProtocol()

			Eventually(func() int {
				timers.FireAll()
				return len(sink.received())
			}, 10*time.Second, 100*time.Millisecond).Should(BeNumerically(">", 0))

			var dbFound bool
			err := filepath.Walk(p.StorageDir(), func(path string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() {
					return err
				}
				dbFound = true
				raw, readErr := os.ReadFile(path)
				Expect(readErr).NotTo(HaveOccurred())
				Expect(string(raw)).NotTo(ContainSubstring("used_percent"))
				Expect(string(raw)).NotTo(ContainSubstring("SQLite format 3"))
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(dbFound).To(BeTrue())
		})

		It("does not deliver the same datum twice across drains", func() {
			startProtocol()

			Eventually(func() int {
				timers.FireAll()
				return len(sink.received())
			}, 10*time.Second, 100*time.Millisecond).Should(BeNumerically(">", 0))

			seen := make(map[string]int)
			for _, d := range sink.received() {
				seen[d.ID]++
			}
			for id, count := range seen {
				Expect(count).To(Equal(1), "datum %s delivered more than once", id)
			}
		})
	})

	Describe("health reporting", func() {
		It("eventually forwards health reports through the pipeline", func() {
			startProtocol()

			// Default ratio stores a report every fourth sweep.
			for i := 0; i < 4; i++ {
				sup.HealthSweep(context.Background())
			}

			Eventually(func() map[string]int {
				timers.FireAll()
				return sink.kinds()
			}, 10*time.Second, 100*time.Millisecond).Should(HaveKey(domain.KindReport))
		})
	})

	Describe("restart recovery", func() {
		It("resumes the running protocol from persisted state", func() {
			p := startProtocol()
			sup.Stop()
			Expect(p.Running()).To(BeFalse())

			restored := supervisor.New(scheduler, stateFile, build, zap.NewNop())
			protos := restored.Protocols()
			Expect(protos).To(HaveLen(1))
			Expect(protos[0].Name()).To(Equal("system-baseline"))
			Expect(protos[0].ID()).NotTo(Equal(p.ID()))

			restored.Start()
			Expect(protos[0].Running()).To(BeTrue())
			restored.Stop()
		})
	})
})
