package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-course-chat/config"
	"github.com/tcriess/lightspeed-course-chat/devserver"
	"github.com/tcriess/lightspeed-course-chat/globals"
	"github.com/tcriess/lightspeed-course-chat/types"
)

// An in-memory course chat server for local development. Users connect with any id, moderation is done with
// POST /admin/courses/{course}/block/{user} and /admin/courses/{course}/unblock/{user}.

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "", "ws service address (including port)")
	pageSize   = pflag.Int("page-size", 0, "number of messages per history page")
	seedCourse = pflag.String("seed-course", "", "course that gets a welcome message on startup")
)

func main() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	go func() {
		<-c
		log.Fatal("interrupted!")
	}()

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()
	log.SetFlags(0)

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))

	if *addr == "" {
		*addr = globalConfig.DevServerConfig.Addr
	}
	if *pageSize <= 0 {
		*pageSize = globalConfig.DevServerConfig.PageSize
	}

	server := devserver.New(*pageSize)
	if *seedCourse != "" {
		server.Seed(*seedCourse, types.Message{
			SenderId:   "system",
			SenderName: "System",
			SenderRole: types.RoleInstructor,
			Body:       "Welcome to the course chat",
		})
	}

	globals.AppLogger.Info("listening", "addr", *addr, "pageSize", *pageSize)
	err = http.ListenAndServe(*addr, server.Handler())
	globals.AppLogger.Error("stopped listening", "error", err)
}
