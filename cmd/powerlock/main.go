package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "powerlock.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	if _, err := loadConfig(k, ConfigFileName); err != nil {
		log.Fatalf("error loading config: %v", err)
	}
}

func root() {
	str := `powerlock holds the power of a laser steady by rotating a half wave plate
in front of a polarizer with a Thorlabs ELL14 mount, and exposes an HTTP interface
to the control loop.

Usage:
	powerlock <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `powerlock is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Use "powerlock mkconf" to write the default configuration to powerlock.yml.

The Mount section describes the ELL14.  Addr is a serial port (/dev/ttyUSB0, COM3)
when Serial is true, or the host:port of a terminal server when it is false.

The Scope section describes the Keysight oscilloscope the photodetector is
connected to.  Addr is host:port, the SCPI socket is usually port 5025.

When Mock is true the mount and detector are simulated and the Sim section
describes the detector.

The Loop section holds the setpoint (V), the gains, the sample interval, which
is also the least time between moves of the mount, and the largest correction
in radians, which may not exceed π/4.

While running, changes to the setpoint and gains in the file are applied
without a restart.  Everything else requires a restart.

Routes, below Endpoint (default /powerlock):
	GET, POST  setpoint   {"f64": 0.5}
	GET, POST  gains      {"kp": 0.5, "ki": 0, "kd": 0}
	GET        pos        {"f64": 1.23}
	GET        mount-status {"str": "0 - OK, NO ERROR"}
	POST       home
	POST       speed      {"int": 60}
	GET        status
	GET        telemetry
	GET, POST  lock       {"bool": true}
	GET        route-list`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("powerlock version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	sys, err := BuildSystem(c)
	if err != nil {
		log.Fatal(err)
	}
	defer sys.Close()
	if err := sys.Loop.Prepare(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := watch(ctx, ConfigFileName, sys.Loop); err != nil {
		log.Printf("not watching %s for changes: %v", ConfigFileName, err)
	}

	srv := &http.Server{Addr: c.Addr, Handler: BuildMux(c, sys.Loop)}
	go func() {
		log.Println("now listening for requests at ", c.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	err = sys.Loop.Run(ctx)
	if err != nil {
		log.Println(err)
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		log.Println(err)
	}
	log.Println("stopped")
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
