// Command kernel is the hosted-mode entrypoint (spec.md §6): it creates
// PID 1, binds the hosted transport to XOUS_LISTEN_ADDR, publishes the
// bound port on stdout so a test harness can connect, spawns any
// positional-argument child processes, and serves until shut down.
//
// Grounded on kernel/chentry.go's shape — a small package main tool living
// beside the kernel source rather than inside it — and on
// original_source/kernel/src/arch/hosted.rs's idle() startup sequence.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"corvid/debug"
	"corvid/defs"
	"corvid/dispatch"
	"corvid/hosted"
	"corvid/limits"
	"corvid/mem"
	"corvid/services"
)

// defaultFrames sizes the physical frame pool; chosen generously enough
// for hosted-mode test workloads without needing a config surface beyond
// XOUS_LISTEN_ADDR (spec.md §6 names no frame-count knob).
const defaultFrames = 4096

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kernel:", err)
		os.Exit(1)
	}
}

func run() error {
	mm := mem.NewPhysmem(defaultFrames)
	lim := limits.MkSysLimit(defaultFrames)
	ss := services.New(mm, lim)

	var pid1Key defs.Key_t
	if _, err := rand.Read(pid1Key[:]); err != nil {
		return err
	}
	pid1, everr := ss.CreateProcess(pid1Key)
	if everr != 0 {
		return fmt.Errorf("creating PID 1: %s", everr)
	}
	if pid1 != 1 {
		return fmt.Errorf("expected PID 1, got %s", pid1)
	}

	disp := dispatch.New(ss, mm)
	srv := hosted.NewServer(ss, mm, disp)

	addr := os.Getenv("XOUS_LISTEN_ADDR")
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	bound, err := srv.Listen(addr)
	if err != nil {
		return err
	}
	fmt.Println(bound)

	// For each positional argument, generate a fresh key, allocate a PID,
	// and spawn the child with that key so it can complete the hosted
	// handshake against the address just bound above (spec.md §6 startup
	// step 4). The process table records no parent or owner for the child.
	for _, childPath := range os.Args[1:] {
		var childKey defs.Key_t
		if _, err := rand.Read(childKey[:]); err != nil {
			return fmt.Errorf("generating key for child %s: %w", childPath, err)
		}
		childPID, everr := ss.CreateProcess(childKey)
		if everr != 0 {
			return fmt.Errorf("allocating PID for child %s: %s", childPath, everr)
		}
		fmt.Printf("%5d  |  %s\n", childPID, childPath)

		c := exec.Command(childPath, bound)
		c.Env = append(os.Environ(), "XOUS_PROCESS_KEY="+hex.EncodeToString(childKey[:]))
		c.Stdout, c.Stderr = os.Stdout, os.Stderr
		if err := c.Start(); err != nil {
			return fmt.Errorf("spawning child %s: %w", childPath, err)
		}
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigc
		srv.Shutdown()
	}()

	// SIGUSR1 dumps a frame-ownership profile to frames.pprof, the
	// channel-trigger SPEC_FULL.md's diagnostics section calls for.
	profc := make(chan os.Signal, 1)
	signal.Notify(profc, syscall.SIGUSR1)
	go func() {
		for range profc {
			dumpFrameProfile(mm)
		}
	}()

	return srv.Serve()
}

func dumpFrameProfile(mm *mem.Physmem_t) {
	f, err := os.Create("frames.pprof")
	if err != nil {
		fmt.Fprintln(os.Stderr, "kernel: frame profile:", err)
		return
	}
	defer f.Close()
	p := debug.FrameProfile(mm)
	if err := debug.Write(f, p); err != nil {
		fmt.Fprintln(os.Stderr, "kernel: frame profile:", err)
	}
}
