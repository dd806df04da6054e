package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/deemkeen/lightpub/app"
	"github.com/deemkeen/lightpub/db"
	"github.com/deemkeen/lightpub/util"
)

func main() {
	versionFlag := flag.Bool("v", false, "Print version information")
	createUser := flag.String("create-user", "", "Create a local account with the given username and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s\n", util.GetNameAndVersion())
		os.Exit(0)
	}

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	util.SetupLogging(conf.Conf.WithJournald)

	if *createUser != "" {
		if !conf.Conf.AllowRegister {
			log.Fatalln("Registration is disabled on this node")
		}
		err, user := db.GetDB().CreateAccount(*createUser, "")
		if err != nil {
			log.Fatalf("Failed to create account: %v", err)
		}
		err, token := db.GetDB().CreateUserToken(user.Id)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Printf("Created account %s (id %s)\n", user.Username, user.Id)
		fmt.Printf("API token: %s\n", token.Token)
		os.Exit(0)
	}

	log.Printf("%s", util.GetNameAndVersion())
	log.Println("Configuration: ")
	log.Println(util.PrettyPrint(conf))

	if conf.Conf.WithPprof {
		go func() {
			log.Println("pprof server listening on localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	application, err := app.New(conf)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	if err := application.Initialize(); err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	if err := application.Start(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}
