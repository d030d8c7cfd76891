package app

// 构建信息，发布时通过 -ldflags "-X evidence-custody/internal/app.Version=..." 注入。
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)
