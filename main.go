package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DavidGamba/go-getoptions"
	"github.com/cyverse-de/configurate"
	"github.com/cyverse-de/go-mod/otelutils"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/cyverse-de/notification-hub/api"
	"github.com/cyverse-de/notification-hub/common"
	"github.com/cyverse-de/notification-hub/db"
	"github.com/cyverse-de/notification-hub/handlers"
	"github.com/cyverse-de/notification-hub/handlerset"
	"github.com/cyverse-de/notification-hub/hub"
)

const serviceName = "notification-hub"

// amqpQueueName is the queue this service consumes notification requests from.
const amqpQueueName = "notification-hub.requests"

// amqpRoutingKeys lists the routing keys bound to the consumer queue. The
// final segment of the key selects the message handler.
var amqpRoutingKeys = []string{"events.notification-hub.*.notification"}

var log = common.Log.WithField("package", "main")

// commandLineOptionValues represents the values of the command-line options that were passed on the command line when
// this service was invoked.
type commandLineOptionValues struct {
	Config string
	Port   int
}

func parseCommandLine() *commandLineOptionValues {
	optionValues := &commandLineOptionValues{}
	opt := getoptions.New()

	// Default option values.
	defaultConfigPath := "/etc/iplant/de/jobservices.yml"
	defaultPort := 8080

	// Define the command-line options.
	opt.Bool("help", false, opt.Alias("h", "?"))
	opt.StringVar(&optionValues.Config, "config", defaultConfigPath,
		opt.Alias("c"),
		opt.Description("the path to the configuration file"))
	opt.IntVar(&optionValues.Port, "port", defaultPort,
		opt.Alias("p"),
		opt.Description("the port number to listen on"))

	// Parse the command line, handling requests for help and usage errors.
	_, err := opt.Parse(os.Args[1:])
	if opt.Called("help") {
		fmt.Fprintf(os.Stderr, opt.Help())
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		fmt.Fprintf(os.Stderr, opt.Help(getoptions.HelpSynopsis))
		os.Exit(1)
	}

	return optionValues
}

func main() {
	// Parse the command-line.
	optionValues := parseCommandLine()

	// Initialize logging.
	logrus.SetFormatter(&logrus.JSONFormatter{})

	// Initialize tracing.
	tracerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdown := otelutils.TracerProviderFromEnv(tracerCtx, serviceName, func(e error) { log.Fatal(e) })
	defer shutdown()

	// Read in the configuration file.
	cfg, err := configurate.InitDefaults(optionValues.Config, configurate.JobServicesDefaults)
	if err != nil {
		log.Fatal(err)
	}

	// Retrieve the AMQP settings.
	amqpSettings := &common.AMQPSettings{
		URI:          cfg.GetString("amqp.uri"),
		ExchangeName: cfg.GetString("amqp.exchange.name"),
		ExchangeType: cfg.GetString("amqp.exchange.type"),
	}

	// Retrieve the remaining settings.
	databaseURI := cfg.GetString("db.uri")
	signingKey := cfg.GetString("notifications.signing_key")
	if signingKey == "" {
		log.Fatal("notifications.signing_key must be configured")
	}

	// Establish the database connection.
	database, err := db.InitDatabase("postgres", databaseURI)
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	// Create the notification hub.
	notificationHub := hub.New(database)
	defer notificationHub.Close()

	// Create the message handler set and begin consuming domain events.
	handlerSet, err := handlerset.New(amqpSettings)
	if err != nil {
		log.Fatal(err)
	}
	defer handlerSet.Close()
	handlerSet.SetHandlers(handlers.InitMessageHandlers(notificationHub, handlerSet.AMQPClient()))
	if err := handlerSet.Listen(amqpSettings, amqpQueueName, amqpRoutingKeys); err != nil {
		log.Fatal(err)
	}

	// Start the HTTP server.
	server := api.New(notificationHub, signingKey)
	go func() {
		if err := server.Listen(optionValues.Port); err != nil {
			log.Info(err)
		}
	}()
	log.Infof("listening on port %d", optionValues.Port)

	// Wait for a signal, then shut everything down.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(err)
	}
}
