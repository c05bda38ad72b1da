/*
	This is the mailer daemon launcher
	./mailer -config=etc/mailer.conf -logfile=mailer.log &
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gleez/mailer/config"
	"github.com/gleez/mailer/data"
	"github.com/gleez/mailer/events"
	"github.com/gleez/mailer/log"
	"github.com/gleez/mailer/mail"
	"github.com/gleez/mailer/pool"
	"github.com/gleez/mailer/web"
)

var (
	// Build info, populated during linking
	VERSION    = "1.0"
	BUILD_DATE = "undefined"

	// Command line flags
	help       = flag.Bool("help", false, "Displays this help")
	pidfile    = flag.String("pidfile", "none", "Write our PID into the specified file")
	logfile    = flag.String("logfile", "stderr", "Write out log into the specified file")
	configfile = flag.String("config", "/etc/mailer.conf", "Path to the configuration file")

	// startTime is used to calculate uptime of the daemon
	startTime = time.Now()

	// The file we send log output to, will be nil for stderr or stdout
	logf *os.File

	mailPool *pool.Pool
	journal  *data.Journal
	hub      *events.Hub
)

func main() {
	flag.Parse()

	if *help {
		flag.Usage()
		return
	}

	// Load & Parse config
	err := config.LoadConfig(*configfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	// Setup signal handler
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go signalProcessor(sigChan)

	// Configure logging
	level, _ := config.Config.String("logging", "level")
	log.SetLogLevel(level)

	if *logfile != "stderr" {
		if *logfile == "stdout" {
			log.SetOutput(os.Stdout)
		} else {
			if err := openLogFile(); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			defer closeLogFile()
		}
	}

	log.LogInfo("Mailer %v (%v) starting...", VERSION, BUILD_DATE)

	// Write pidfile if requested
	if *pidfile != "none" {
		pidf, err := os.Create(*pidfile)
		if err != nil {
			log.LogError("Failed to create %v: %v", *pidfile, err)
			os.Exit(1)
		}
		defer pidf.Close()
		fmt.Fprintf(pidf, "%v\n", os.Getpid())
	}

	// Delivery journal is optional
	dsCfg := config.GetDataStoreConfig()
	if dsCfg.JournalEnabled {
		journal = data.CreateJournal(dsCfg)
	}

	hub = events.CreateHub(config.GetEventsConfig())

	mailPool, err = pool.New(config.GetMailConfig())
	if err != nil {
		log.LogError("Failed to create pool: %v", err)
		os.Exit(1)
	}
	mailPool.OnDelivery = recordDelivery

	web.Initialize(config.GetWebConfig(), mailPool, hub, journal)
	web.Start()

	// Serve() returned, we are shutting down
	mailPool.Close()
	journal.Close()
	log.LogInfo("Mailer shut down after %v uptime", time.Since(startTime))
}

// recordDelivery feeds every completed send into the journal and the event
// hub.
func recordDelivery(msg *mail.Message, result *mail.Result, err error) {
	entry := &data.JournalEntry{
		From:    msg.From,
		Subject: msg.Subject,
	}
	ev := events.DeliveryEvent{
		From: msg.From,
		Time: time.Now(),
	}

	if err != nil {
		entry.Error = err.Error()
		ev.Error = err.Error()
	}
	if result != nil {
		entry.MessageID = result.MessageID
		entry.Recipients = result.Recipients
		entry.Rejected = rejectedOf(msg, result)
		ev.MessageID = result.MessageID
		ev.Recipients = result.Recipients
		ev.Rejected = entry.Rejected
		ev.OK = err == nil
	}

	journal.Record(entry)
	hub.Publish(ev)
}

// rejectedOf lists the requested recipients the server did not accept.
func rejectedOf(msg *mail.Message, result *mail.Result) []string {
	accepted := make(map[string]bool, len(result.Recipients))
	for _, r := range result.Recipients {
		accepted[r] = true
	}
	var rejected []string
	for _, r := range msg.Recipients() {
		if a, err := mail.ParseAddress(r); err == nil && !accepted[a.Spec()] {
			rejected = append(rejected, a.Spec())
		}
	}
	return rejected
}

// openLogFile creates or appends to the logfile passed on commandline
func openLogFile() error {
	// use specified log file
	var err error
	logf, err = os.OpenFile(*logfile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
	if err != nil {
		return fmt.Errorf("Failed to create %v: %v", *logfile, err)
	}
	log.SetOutput(logf)
	log.LogTrace("Opened new logfile")
	return nil
}

// closeLogFile closes the current logfile
func closeLogFile() error {
	log.LogTrace("Closing logfile")
	return logf.Close()
}

// signalProcessor is a goroutine that handles OS signals
func signalProcessor(c <-chan os.Signal) {
	for {
		sig := <-c
		switch sig {
		case syscall.SIGHUP:
			// Rotate logs if configured
			if logf != nil {
				log.LogInfo("Recieved SIGHUP, cycling logfile")
				closeLogFile()
				openLogFile()
			} else {
				log.LogInfo("Ignoring SIGHUP, logfile not configured")
			}
		case syscall.SIGINT, syscall.SIGTERM:
			// Initiate shutdown
			log.LogInfo("Received %v, shutting down", sig)
			go timedExit()
			web.Stop()
		}
	}
}

// timedExit is called as a goroutine during shutdown, it will force an exit
// after 15 seconds
func timedExit() {
	time.Sleep(15 * time.Second)
	log.LogError("Clean shutdown took too long, forcing exit")
	os.Exit(0)
}
