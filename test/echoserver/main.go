package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Clouded-Sabre/tuntcp/config"
	"github.com/Clouded-Sabre/tuntcp/lib"
)

var (
	configFile = flag.String("config", "config.yaml", "path of the configuration file")
	tunName    = flag.String("tun", "tcp0", "name of the pre-created tun interface")
	port       = flag.Uint("port", 8080, "port to listen on")
)

// openTun attaches to an existing tun interface. The interface must already
// be created, addressed, and up (e.g. via ip tuntap / ip addr / ip link).
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

func handleConnection(conn *lib.Connection) {
	defer conn.Close()
	log.Println("accepted connection from", conn.RemoteAddr())
	buf := make([]byte, 8192)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			log.Printf("connection from %s finished: %v", conn.RemoteAddr(), err)
			return
		}
		out := buf[:n]
		for len(out) > 0 {
			m, err := conn.Write(out)
			if err == lib.ErrSendBufferFull {
				time.Sleep(time.Millisecond)
				continue
			}
			if err != nil {
				log.Println("write error:", err)
				return
			}
			out = out[m:]
		}
	}
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

	listener, err := stack.Listen(uint16(*port), 16)
	if err != nil {
		log.Fatalln("error listening:", err)
	}
	log.Printf("echo server listening on %s:%d", cfg.LocalIP, *port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down")
		stack.Close()
		os.Exit(0)
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Println("accept:", err)
			return
		}
		go handleConnection(conn)
	}
}
