package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradeengine/internal/app"
)

var (
	port    = os.Getenv("SERVER_PORT")
	appName = os.Getenv("APP_NAME")
)

func setupLogger() {
	level, err := logger.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logger.TextFormatter{FullTimestamp: true})
}

func main() {
	setupLogger()
	defer handlePanic()

	if port == "" {
		port = "8080"
	}

	a, err := app.Build()
	if err != nil {
		logger.WithError(err).Fatal("failed to build app")
	}

	startServer(port, a)
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("application %s panic", appName))
		time.Sleep(5 * time.Second)
	}
}
