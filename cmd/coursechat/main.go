package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/tcriess/lightspeed-course-chat/auth"
	"github.com/tcriess/lightspeed-course-chat/cache"
	"github.com/tcriess/lightspeed-course-chat/chat"
	"github.com/tcriess/lightspeed-course-chat/config"
	"github.com/tcriess/lightspeed-course-chat/filter"
	"github.com/tcriess/lightspeed-course-chat/globals"
	"github.com/tcriess/lightspeed-course-chat/notifications"
	"github.com/tcriess/lightspeed-course-chat/types"
	"github.com/tcriess/lightspeed-course-chat/ws"
)

// A terminal client for the course chat, plus a few commands to inspect the local message cache.

var (
	configPath   string
	globalConfig *config.Config
)

func main() {
	flagSet := config.GetFlagSet()

	var rootCmd = &cobra.Command{
		Use:   "coursechat",
		Short: "Course chat client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			globalConfig, err = config.ReadConfiguration(configPath, flagSet)
			if err != nil {
				return err
			}
			globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
			return nil
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")
	rootCmd.PersistentFlags().AddFlagSet(flagSet)

	var courseId string
	var cmdChat = &cobra.Command{
		Use:   "chat",
		Short: "Join a course chat",
		Long: `chat connects to the chat server and joins the given course. Lines typed on stdin are sent as messages,
the commands /older, /reply <message id> <text>, /course <course id> and /quit are available.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if err := runChat(cmd.Context(), courseId); err != nil {
				globals.AppLogger.Error("chat stopped", "error", err)
				os.Exit(1)
			}
		},
	}
	cmdChat.Flags().StringVar(&courseId, "course", "", "id of the course to join")

	var cmdCache = &cobra.Command{
		Use:   "cache",
		Short: "Inspect the local message cache",
	}
	var cmdCacheList = &cobra.Command{
		Use:   "list",
		Short: "List cached courses",
		Long:  `list prints the ids of all cached courses, most recently used first.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			c, err := cache.NewFromConfig(globalConfig)
			if err != nil {
				globals.AppLogger.Error("could not open cache", "error", err)
				return
			}
			defer c.Close()
			r, err := json.Marshal(c.Courses())
			if err != nil {
				globals.AppLogger.Error("could not marshal courses", "error", err)
				return
			}
			fmt.Println(string(r))
		},
	}
	var cmdCacheShow = &cobra.Command{
		Use:   "show [course id]",
		Short: "Show cached messages",
		Long:  `show prints the cached snapshot of the course with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c, err := cache.NewFromConfig(globalConfig)
			if err != nil {
				globals.AppLogger.Error("could not open cache", "error", err)
				return
			}
			defer c.Close()
			snapshot, ok := c.Snapshot(args[0])
			if !ok {
				globals.AppLogger.Error("course not cached", "course", args[0])
				return
			}
			r, err := json.Marshal(snapshot)
			if err != nil {
				globals.AppLogger.Error("could not marshal snapshot", "error", err)
				return
			}
			fmt.Println(string(r))
		},
	}
	var cmdCacheClear = &cobra.Command{
		Use:   "clear [course id]",
		Short: "Remove cached messages",
		Long:  `clear removes the cached snapshot of the courses with the given ids.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c, err := cache.NewFromConfig(globalConfig)
			if err != nil {
				globals.AppLogger.Error("could not open cache", "error", err)
				return
			}
			defer c.Close()
			for _, id := range args {
				if !c.Invalidate(id) {
					globals.AppLogger.Warn("course not cached", "course", id)
				}
			}
		},
	}
	cmdCache.AddCommand(cmdCacheList, cmdCacheShow, cmdCacheClear)
	rootCmd.AddCommand(cmdChat, cmdCache)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runChat(ctx context.Context, courseId string) error {
	identity, err := auth.Resolve(ctx, globalConfig.IdentityConfig, globalConfig.OIDCConfigs)
	if err != nil {
		return err
	}
	viewFilter, err := filter.Compile(globalConfig.ChatConfig.ViewFilter)
	if err != nil {
		return err
	}
	messageCache, err := cache.NewFromConfig(globalConfig)
	if err != nil {
		return err
	}
	defer messageCache.Close()

	manager := ws.NewManager(ws.OptionsFromConfig(globalConfig))
	p := newPrinter()
	session := chat.NewSession(manager, chat.Options{
		JoinDelay:        globalConfig.ChatConfig.JoinDelay,
		NoticeWindow:     globalConfig.ChatConfig.NoticeWindow,
		ScrollThreshold:  globalConfig.ChatConfig.ScrollThreshold,
		MaxMessageLength: globalConfig.ChatConfig.MaxMessageLength,
		Filter:           viewFilter,
		Cache:            messageCache,
		OnView:           p.render,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(ctx)
	}()

	if globalConfig.NotificationsConfig.CronSpec != "" {
		poller := notifications.NewPoller(manager, globalConfig.NotificationsConfig, func(feed types.NotificationsPayload) {
			fmt.Printf("** %d notification(s)\n", len(feed.Data))
		})
		if err := poller.Start(); err != nil {
			return err
		}
		defer poller.Stop()
	}

	if courseId != "" {
		if err := session.SetCourse(courseId); err != nil {
			return err
		}
	}
	if err := session.Login(ctx, identity); err != nil {
		return err
	}

	go readInput(session, cancel)
	err = <-done
	if err == context.Canceled {
		return nil
	}
	return err
}

func readInput(session *chat.Session, quit func()) {
	defer quit()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var err error
		switch {
		case line == "/quit":
			return
		case line == "/older":
			if !session.RequestNextPage() {
				fmt.Println("** no older messages to load")
			}
		case strings.HasPrefix(line, "/course "):
			err = session.SetCourse(strings.TrimSpace(strings.TrimPrefix(line, "/course ")))
		case strings.HasPrefix(line, "/reply "):
			parts := strings.SplitN(strings.TrimPrefix(line, "/reply "), " ", 2)
			if len(parts) < 2 {
				fmt.Println("** usage: /reply <message id> <text>")
				continue
			}
			err = session.Send(parts[1], parts[0])
		default:
			err = session.Send(line, "")
		}
		if err == chat.ErrSessionClosed {
			return
		}
		if err != nil {
			fmt.Println("** " + err.Error())
		}
	}
}

// printer writes the parts of a view that changed since the last one. It is only called from the session loop.
type printer struct {
	seen   map[string]struct{}
	course string
	state  types.RoomState
	notice string
	errMsg string
}

func newPrinter() *printer {
	return &printer{seen: make(map[string]struct{})}
}

func (p *printer) render(v chat.View) {
	if v.CourseId != p.course {
		p.course = v.CourseId
		p.seen = make(map[string]struct{})
	}
	if v.State != p.state {
		p.state = v.State
		fmt.Printf("** %s: %s\n", v.CourseId, v.State)
	}
	if v.Notice != p.notice {
		p.notice = v.Notice
		if v.Notice != "" {
			fmt.Println("** " + v.Notice)
		}
	}
	if v.Error != p.errMsg {
		p.errMsg = v.Error
		if v.Error != "" {
			fmt.Println("!! " + v.Error)
		}
	}
	for _, b := range v.Buckets {
		for _, m := range b.Messages {
			if _, ok := p.seen[m.Id]; ok {
				continue
			}
			p.seen[m.Id] = struct{}{}
			reply := ""
			if m.IsReply() {
				reply = fmt.Sprintf(" (re %s: %s)", m.ReplyTo.SenderName, m.ReplyTo.Message)
			}
			fmt.Printf("[%s %s] %s%s: %s  #%s\n", m.DayLabel, m.TimeLabel, m.SenderName, reply, m.Body, m.Id)
		}
	}
}
