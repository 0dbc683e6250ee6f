package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "lightspeed-course-chat",
	Level: hclog.LevelFromString("INFO"),
})
