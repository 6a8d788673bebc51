package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/sys/unix"

	"github.com/Clouded-Sabre/tuntcp/config"
	"github.com/Clouded-Sabre/tuntcp/lib"
)

var (
	configFile = flag.String("config", "config.yaml", "path of the configuration file")
	tunName    = flag.String("tun", "tcp0", "name of the pre-created tun interface")
	remoteIP   = flag.String("remote", "192.168.0.1", "server IP address")
	port       = flag.Uint("port", 8080, "server port")
)

// openTun attaches to an existing tun interface. The interface must already
// be created, addressed, and up.
func openTun(name string) (int, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return -1, err
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	ifr.SetUint16(unix.IFF_TUN)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func main() {
	flag.Parse()

	cfg, err := config.ReadConfig(*configFile)
	if err != nil {
		log.Fatalln("error reading config file:", err)
	}

	fd, err := openTun(*tunName)
	if err != nil {
		log.Fatalf("error opening tun interface %s: %v", *tunName, err)
	}
	device, err := lib.NewTunDevice(fd, *tunName, cfg.MTU, true)
	if err != nil {
		log.Fatalln("error wrapping tun interface:", err)
	}

	stack, err := lib.NewStack(cfg, device)
	if err != nil {
		log.Fatalln("error starting stack:", err)
	}
	defer stack.Close()

	conn, err := stack.Dial(*remoteIP, uint16(*port))
	if err != nil {
		log.Fatalf("error dialing %s:%d: %v", *remoteIP, *port, err)
	}
	defer conn.Close()
	log.Printf("connected: %s -> %s", conn.LocalAddr(), conn.RemoteAddr())

	scanner := bufio.NewScanner(os.Stdin)
	echo := make([]byte, 8192)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out := line
		for len(out) > 0 {
			n, err := conn.Write(out)
			if err != nil {
				log.Fatalln("write error:", err)
			}
			out = out[n:]
		}
		if _, err := io.ReadFull(conn, echo[:len(line)]); err != nil {
			log.Fatalln("read error:", err)
		}
		fmt.Printf("echo: %s\n", echo[:len(line)])
	}

	stats := conn.Stats()
	log.Printf("sent %d bytes in %d segments, %d retransmissions",
		stats.BytesSent, stats.SegmentsSent, stats.Retransmissions)
}
