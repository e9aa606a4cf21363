package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/nasa-jpl/powerlock/keysight"
	"github.com/nasa-jpl/powerlock/pid"
	"github.com/nasa-jpl/powerlock/server/middleware/locker"
	"github.com/nasa-jpl/powerlock/sim"
	"github.com/nasa-jpl/powerlock/stabilizer"
	"github.com/nasa-jpl/powerlock/thorlabs"
)

// ScopeSetup describes the oscilloscope the photodetector is read with
type ScopeSetup struct {
	// Addr is the host:port of the scope, usually port 5025
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Channel is the input the detector is on
	Channel string `yaml:"Channel" koanf:"Channel"`

	// Range is the full scale vertical range in volts, left alone if zero
	Range float64 `yaml:"Range" koanf:"Range"`

	// Timebase is the full horizontal width in seconds, left alone if zero
	Timebase float64 `yaml:"Timebase" koanf:"Timebase"`

	// BandwidthLimit engages the 20 MHz filter
	BandwidthLimit bool `yaml:"BandwidthLimit" koanf:"BandwidthLimit"`
}

// SimSetup describes the simulated detector used when Mock is true
type SimSetup struct {
	Peak    float64       `yaml:"Peak" koanf:"Peak"`
	Phase   float64       `yaml:"Phase" koanf:"Phase"`
	Offset  float64       `yaml:"Offset" koanf:"Offset"`
	Noise   float64       `yaml:"Noise" koanf:"Noise"`
	Latency time.Duration `yaml:"Latency" koanf:"Latency"`
}

// Config is the whole configuration of the server
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Endpoint is the stem the routes are served under
	Endpoint string `yaml:"Endpoint" koanf:"Endpoint"`

	// Mock replaces the mount and scope with simulations
	Mock bool `yaml:"Mock" koanf:"Mock"`

	Mount thorlabs.Setup    `yaml:"Mount" koanf:"Mount"`
	Scope ScopeSetup        `yaml:"Scope" koanf:"Scope"`
	Sim   SimSetup          `yaml:"Sim" koanf:"Sim"`
	Loop  stabilizer.Config `yaml:"Loop" koanf:"Loop"`
}

// DefaultConfig is the configuration used for anything the file leaves out
func DefaultConfig() Config {
	return Config{
		Addr:     ":8000",
		Endpoint: "/powerlock",
		Mount: thorlabs.Setup{
			Addr:    "/dev/ttyUSB0",
			Serial:  true,
			Address: "0",
			Timeout: thorlabs.DefaultTimeout},
		Scope: ScopeSetup{Addr: "192.168.100.10:5025", Channel: "1"},
		Sim:   SimSetup{Peak: 1, Noise: 0.002, Latency: 20 * time.Millisecond},
		Loop:  stabilizer.DefaultConfig(),
	}
}

// loadConfig loads the defaults then the file at path into k and decodes it.
// A missing file is not an error.
func loadConfig(k *koanf.Koanf, path string) (Config, error) {
	c := Config{}
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return c, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return c, err
		}
	}
	err := k.Unmarshal("", &c)
	return c, err
}

// System is the assembled hardware and control loop
type System struct {
	Loop *stabilizer.Loop

	// Mount is the simulated mount, nil unless the config is Mock
	Mount *thorlabs.MockElliptec

	closer func() error
}

// Close releases the hardware
func (s *System) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// BuildSystem opens the mount and detector described by c and makes a loop
// around them
func BuildSystem(c Config, opts ...stabilizer.Option) (*System, error) {
	var (
		sys     = &System{}
		sampler stabilizer.Sampler
		drv     *thorlabs.Elliptec
		err     error
	)
	if c.Mock {
		mount := thorlabs.NewMockElliptec()
		addr, err := thorlabs.ParseAddress(c.Mount.Address)
		if err != nil {
			return nil, err
		}
		if addr != thorlabs.DefaultAddress {
			log.Printf("mock mount answers at address %c, ignoring configured address %c", thorlabs.DefaultAddress, addr)
		}
		drv, err = thorlabs.NewElliptec(mount, thorlabs.DefaultAddress, thorlabs.ELL14Resolution)
		if err != nil {
			return nil, err
		}
		pd := sim.NewPhotodiode(mount)
		pd.Peak, pd.Phase, pd.Offset = c.Sim.Peak, c.Sim.Phase, c.Sim.Offset
		pd.Noise, pd.Latency = c.Sim.Noise, c.Sim.Latency
		sampler = pd
		sys.Mount = mount
	} else {
		drv, err = thorlabs.OpenElliptec(c.Mount)
		if err != nil {
			return nil, err
		}
		scope := keysight.NewScope(c.Scope.Addr, c.Scope.Channel)
		if err := configureScope(scope, c.Scope); err != nil {
			drv.Close()
			return nil, err
		}
		sampler = scope
		sys.closer = drv.Close
	}
	sys.Loop, err = stabilizer.New(c.Loop, sampler, drv, opts...)
	if err != nil {
		sys.Close()
		return nil, err
	}
	return sys, nil
}

func configureScope(s *keysight.Scope, c ScopeSetup) error {
	if c.Range != 0 {
		if err := s.SetScale(c.Range); err != nil {
			return err
		}
	}
	if c.Timebase != 0 {
		if err := s.SetTimebase(c.Timebase); err != nil {
			return err
		}
	}
	if err := s.SetBandwidthLimit(c.BandwidthLimit); err != nil {
		return err
	}
	return s.Run()
}

// BuildMux makes the HTTP interface to the loop, with a lock and request logging.
// The mux serves a special route, endpoints, which returns the route list as JSON.
func BuildMux(c Config, loop *stabilizer.Loop) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	httper := stabilizer.NewHTTPLoop(loop)
	lock := locker.New()
	locker.Inject(httper, lock)

	r := chi.NewRouter()
	r.Use(lock.Check)
	httper.RT().Bind(r)
	root.Mount(c.Endpoint, r)

	supergraph := map[string][]string{c.Endpoint: httper.RT().Endpoints()}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}

// reload pushes the setpoint and gains in the file at path into the loop
func reload(ctx context.Context, path string, loop *stabilizer.Loop) error {
	c, err := loadConfig(koanf.New("."), path)
	if err != nil {
		return err
	}
	g := pid.Gains{Kp: c.Loop.Kp, Ki: c.Loop.Ki, Kd: c.Loop.Kd}
	st := loop.Status()
	if st.Setpoint == c.Loop.Setpoint && st.Gains == g {
		return nil
	}
	if err := loop.Retune(ctx, c.Loop.Setpoint, g); err != nil {
		return err
	}
	log.Printf("config reloaded, setpoint %g, gains %+v", c.Loop.Setpoint, g)
	return nil
}

// watch reloads the config file into the loop whenever it changes
func watch(ctx context.Context, path string, loop *stabilizer.Loop) error {
	return file.Provider(path).Watch(func(event interface{}, err error) {
		if err != nil {
			log.Printf("watching %s: %v", path, err)
			return
		}
		if err := reload(ctx, path, loop); err != nil {
			log.Printf("reloading %s: %v", path, err)
		}
	})
}
