package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/deemkeen/anancus/activitypub"
	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/util"
	"github.com/deemkeen/anancus/web"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	database := db.GetDB()
	defer database.Close()

	// Provision the configured local accounts, generating signing keys
	// on first run
	for _, username := range conf.Conf.Users {
		err, acc := database.EnsureAccount(username)
		if err != nil {
			log.Fatalf("Failed to provision account %s: %v", username, err)
		}
		log.Printf("Account ready: %s (%s)", acc.Username, acc.Id)
	}

	// Start the delivery worker if federation is enabled
	if conf.Conf.WithAp {
		activitypub.StartDeliveryWorker(conf, database)
	}

	startServing(conf)
}

func startServing(conf *util.AppConfig) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := web.Router(conf); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping federation server")
}
