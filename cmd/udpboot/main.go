package main

import (
	"bytes"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sprigga/udpboot"
	"gopkg.in/yaml.v2"
)

var commands = map[string]func(udpboot.Session, []string){
	"ver":   processGetVersion,
	"read":  processRead,
	"reset": processReset,
}

// updateProfile mirrors UpdaterOptions in a YAML-friendly shape.
type updateProfile struct {
	ChunkSize       int     `yaml:"chunk_size"`
	ChunkRetries    int     `yaml:"chunk_retries"`
	APIVersion      [2]byte `yaml:"api_version,flow"`
	BootVersion     [3]byte `yaml:"boot_version,flow"`
	ValidateHeader  bool    `yaml:"validate_header"`
	VerifyByReading bool    `yaml:"verify_by_reading"`
}

func (p updateProfile) options() udpboot.UpdaterOptions {
	return udpboot.UpdaterOptions{
		ChunkSize:       p.ChunkSize,
		ChunkRetries:    p.ChunkRetries,
		APIVersion:      p.APIVersion,
		BootVersion:     p.BootVersion,
		ValidateHeader:  p.ValidateHeader,
		VerifyByReading: p.VerifyByReading,
	}
}

const appVersion = "0.1.0"

func main() {
	version := flag.Bool("version", false, "Prints the program version.")
	target := flag.String("target", "", "Target device address (host:port).")
	serialPort := flag.String("serial", "", "Serial port name (instead of a network target).")
	baud := flag.Int("baud", 115200, "Baud rate for serial transport.")
	timeout := flag.Duration("timeout", udpboot.DefaultTimeout, "Round-trip timeout per request.")
	verbose := flag.Bool("v", false, "Enable verbose logging.")
	serve := flag.String("serve", "", "Run the reference responder on the given UDP address instead of flashing.")
	flashSize := flag.Int("flash", 512*1024, "Flash size in bytes for the reference responder.")

	// Format a default profile in YAML format as an example.
	buf := new(bytes.Buffer)
	enc := yaml.NewEncoder(buf)
	enc.Encode(defaultProfile())
	profile := flag.String("profile", "", "Update profile yaml file. Example:\n\n"+buf.String())

	cmdList := []string{}
	for key := range commands {
		cmdList = append(cmdList, key)
	}
	command := flag.String("cmd", "", fmt.Sprintf("Command to run, one of: %+v\n"+
		"read has the following usage: read addr length, e.g. read 0x1000 32\n"+
		"With no command, the given image file is flashed to the target.",
		cmdList))

	flag.Parse()

	if *version {
		fmt.Println(appVersion)
		return
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	udpboot.SetLogger(log.StandardLogger())

	if *serve != "" {
		runResponder(*serve, *flashSize)
		return
	}

	var session udpboot.Session
	switch {
	case *serialPort != "":
		session = udpboot.NewSerialSession(*serialPort, *baud)
	case *target != "":
		session = udpboot.NewUDPSession(*target, *timeout)
	default:
		log.Fatal("must specify a target address or serial port")
	}

	switch {
	case *command != "":
		// Run a single command
		f, ok := commands[*command]
		if !ok {
			log.Fatalf("invalid command %v", *command)
		}
		if err := session.Connect(); err != nil {
			log.Fatalf("failed to connect: %v", err)
		}
		defer session.Close()
		f(session, flag.Args())

	default:
		// Flash an image file
		if len(flag.Args()) != 1 {
			log.Fatal("must specify image file to flash")
		}

		opts := defaultProfile().options()
		if *profile != "" {
			f, err := os.ReadFile(*profile)
			if err != nil {
				log.Fatalf("failed to open profile file: %v", err)
			}
			p := defaultProfile()
			if err := yaml.Unmarshal(f, &p); err != nil {
				log.Fatalf("failed to parse profile file: %v", err)
			}
			opts = p.options()
		}

		image, err := udpboot.LoadImage(flag.Args()[0])
		if err != nil {
			log.Fatalf("failed to load image: %v", err)
		}
		log.Infof("image loaded: %d bytes", len(image))

		opts.OnProgress = func(p udpboot.Progress) {
			log.Infof("%s: %.1f%% (%d/%d chunks)", p.Step, p.Percent, p.ChunksWritten, p.TotalChunks)
		}

		if err := session.Connect(); err != nil {
			log.Fatalf("failed to connect: %v", err)
		}
		defer session.Close()

		updater := udpboot.NewUpdater(session, opts)
		log.Infof("updating...")
		start := time.Now()
		if err := updater.Update(image); err != nil {
			log.Fatal(err)
		}
		log.Infof("complete in %v", time.Since(start).Round(time.Millisecond))
	}
}

func defaultProfile() updateProfile {
	opts := udpboot.DefaultUpdaterOptions()
	return updateProfile{
		ChunkSize:    opts.ChunkSize,
		ChunkRetries: opts.ChunkRetries,
		APIVersion:   opts.APIVersion,
		BootVersion:  opts.BootVersion,
	}
}

func runResponder(addr string, flashSize int) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		log.Fatalf("failed to listen on %v: %v", addr, err)
	}
	defer conn.Close()

	log.Infof("reference responder listening on %v with %d bytes of flash", conn.LocalAddr(), flashSize)
	if err := udpboot.NewResponder(flashSize).Serve(conn); err != nil {
		log.Fatalf("responder stopped: %v", err)
	}
}
