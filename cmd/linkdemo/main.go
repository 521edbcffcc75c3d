// Command linkdemo exercises a uartlink end to end: either two engines
// talking over an in-memory pipe, or two real serial devices connected
// back to back (a loopback cable, or two microcontrollers on a bench).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"uartlink/demo"
	"uartlink/engine"
	"uartlink/portreg"
	"uartlink/telemetry"
	"uartlink/uartio"
)

var (
	deviceA = flag.String("device-a", "", "Serial device for peer A (e.g. /dev/ttyUSB0); empty uses the in-memory demo")
	deviceB = flag.String("device-b", "", "Serial device for peer B; empty uses the in-memory demo")
	baud    = flag.Int("baud", 115200, "Baud rate for real serial devices")
	verbose = flag.Bool("verbose", false, "Prefix log lines with date and time")
	redis   = flag.String("redis", "", "Redis address (host:port) for link telemetry; empty disables telemetry")
)

func main() {
	flag.Parse()

	if !*verbose {
		log.SetFlags(0)
	}

	if *deviceA == "" || *deviceB == "" {
		fmt.Println("uartlink demo: two engines over an in-memory pipe")
		if err := demo.RunInMemory(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runSerial(*deviceA, *deviceB); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runSerial(devA, devB string) error {
	portA, err := uartio.OpenTarm(uartio.Config{Device: devA, Baud: *baud, ReadTimeout: 100 * time.Millisecond})
	if err != nil {
		return fmt.Errorf("open %s: %w", devA, err)
	}
	portB, err := uartio.OpenBugst(uartio.Config{Device: devB, Baud: *baud, ReadTimeout: 100 * time.Millisecond})
	if err != nil {
		portA.Close()
		return fmt.Errorf("open %s: %w", devB, err)
	}

	engA := engine.New(engine.DefaultConfig(), portA, portreg.New())
	engB := engine.New(engine.DefaultConfig(), portB, portreg.New())

	// adapterX owns the read loop feeding each engine's RX ring; the
	// engine writes frames directly to the port itself.
	adapterA := uartio.New(portA, engA)
	adapterB := uartio.New(portB, engB)
	go adapterA.Run()
	go adapterB.Run()
	defer adapterA.Close()
	defer adapterB.Close()

	if *redis != "" {
		cfg := telemetry.DefaultConfig()
		cfg.Addr = *redis
		pub, err := telemetry.New(cfg)
		if err != nil {
			log.Printf("telemetry disabled: %v", err)
		} else {
			engA.SetReporter(pub)
			defer pub.Close()
		}
	}

	stop := make(chan struct{})
	go engA.Run(stop)
	go engB.Run(stop)
	defer close(stop)

	fmt.Printf("bridged %s <-> %s, Ctrl-C to exit\n", devA, devB)
	select {}
}
