package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "change-me-in-production"

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 3000
}

// SMTPConfig 定义入站 SMTP 接收服务器的配置
type SMTPConfig struct {
	Enabled         bool   // 是否启动 SMTP 接收服务
	BindAddr        string // 监听地址，格式 "host:port"，默认 ":2525"
	Domain          string // HELO/EHLO 使用的域名
	MaxMessageBytes int64  // 单封邮件最大字节数
	MaxRecipients   int    // 单封邮件最多收件人
	RatePerMinute   int    // 每个客户端 IP 每分钟最多投递数
}

// IMAPConfig 定义被监听邮箱的 IMAP 配置
type IMAPConfig struct {
	Enabled     bool          // 是否启动 IMAP 轮询
	Host        string        // IMAP 服务器
	Port        int           // 端口，默认 993
	TLS         bool          // 是否使用 IMAPS
	Username    string        // 登录用户名
	Password    string        // 登录密码
	Mailbox     string        // 监听的文件夹，默认 INBOX
	Schedule    string        // cron 表达式，默认每 30 秒
	DialTimeout time.Duration // 连接超时
	MarkSeen    bool          // 处理后标记为已读（否则删除）
}

// MailerConfig 定义外发邮件（通知网关）配置
type MailerConfig struct {
	Host          string  // SMTP 服务器
	Port          int     // 端口，默认 587
	Username      string  // 登录用户名
	Password      string  // 登录密码
	TemplateDir   string  // 模板目录，为空使用内置模板
	RatePerSecond float64 // 每秒最多发送数
	Burst         int     // 突发上限
	Disabled      bool    // 只记录日志，不真正发送
}

// HelpdeskConfig 定义工单流水线的业务配置
type HelpdeskConfig struct {
	EnvID                   string        // 当前环境 ID
	EnvName                 string        // 环境名称（首次启动时写入）
	TicketMarker            string        // 需要处理的主题前缀，默认 "Ticket:"
	SupportRecipients       []string      // 新工单通知收件人
	DefaultSupportRecipient string        // SupportRecipients 为空时的收件人
	BaseURL                 string        // 附件下载链接前缀
	EmailUserName           string        // 外发邮件显示名
	WatcherEmail            string        // 被监听的邮箱地址，也是外发发件人
	DeadLetterDir           string        // 处理失败的邮件存放目录
	IOTimeout               time.Duration // 单次 I/O 超时
	UploadRetries           int           // 附件上传重试次数
	SanitizeHTML            bool          // 保存前清洗 HTML
	NotifyWorkers           int           // 通知工作协程数
	NotifyQueueSize         int           // 通知队列长度
	AdminEmail              string        // 首次启动且没有任何用户时创建的管理员
	AdminPassword           string        // 首个管理员的密码
}

// Recipients 返回新工单通知收件人，未配置时回退到默认收件人
func (h HelpdeskConfig) Recipients() []string {
	if len(h.SupportRecipients) > 0 {
		return h.SupportRecipients
	}
	if h.DefaultSupportRecipient == "" {
		return nil
	}
	return []string{h.DefaultSupportRecipient}
}

// StorageConfig 定义存储后端配置
type StorageConfig struct {
	Driver    string // memory、postgres 或 mysql
	DrivePath string // 附件文件根目录
	UseCache  bool   // 是否使用 Redis 缓存工单
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出
	File        string // 日志文件，为空只输出到控制台
	MaxSize     int    // 单个文件最大 MB
	MaxBackups  int    // 保留旧文件数
	MaxAge      int    // 保留天数
	Compress    bool   // 是否压缩旧文件
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string        // Redis 服务地址，默认 "localhost:6379"
	Password string        // Redis 认证密码
	DB       int           // Redis 数据库编号
	TTL      time.Duration // 工单缓存有效期
}

// JWTConfig 定义 JWT 认证相关配置
type JWTConfig struct {
	Secret       string        // JWT 签名密钥，必须至少 32 字符
	Issuer       string        // JWT 签发者标识
	AccessExpiry time.Duration // 访问令牌有效期
	CookieName   string        // 令牌 cookie 名称
}

// Config 是系统配置的根结构体，进程启动时构造一次后注入各组件
type Config struct {
	Server   ServerConfig
	SMTP     SMTPConfig
	IMAP     IMAPConfig
	Mailer   MailerConfig
	Helpdesk HelpdeskConfig
	Storage  StorageConfig
	CORS     CORSConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: HELPDESK_，例如 HELPDESK_SERVER_PORT、HELPDESK_JWT_SECRET
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("helpdesk")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	ioTimeout := parseDuration(v.GetString("helpdesk.io_timeout"), 10*time.Second)
	imapDialTimeout := parseDuration(v.GetString("imap.dial_timeout"), 10*time.Second)
	connMaxLifetime := parseDuration(v.GetString("database.conn_max_lifetime"), 5*time.Minute)
	accessExpiry := parseDuration(v.GetString("jwt.access_expiry"), 12*time.Hour)
	cacheTTL := parseDuration(v.GetString("redis.ttl"), 10*time.Minute)

	driver := strings.ToLower(v.GetString("storage.driver"))
	switch driver {
	case "memory", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("invalid storage.driver %q: must be memory, postgres or mysql", driver)
	}
	if driver != "memory" && v.GetString("database.dsn") == "" {
		return nil, fmt.Errorf("database.dsn is required for storage driver %s", driver)
	}

	marker := v.GetString("helpdesk.ticket_marker")
	if strings.TrimSpace(marker) == "" {
		return nil, fmt.Errorf("helpdesk.ticket_marker must not be empty")
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	jwtSecret := v.GetString("jwt.secret")
	if jwtSecret == defaultJWTSecret {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set HELPDESK_JWT_SECRET environment variable")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		SMTP: SMTPConfig{
			Enabled:         v.GetBool("smtp.enabled"),
			BindAddr:        v.GetString("smtp.bind_addr"),
			Domain:          v.GetString("smtp.domain"),
			MaxMessageBytes: v.GetInt64("smtp.max_message_bytes"),
			MaxRecipients:   v.GetInt("smtp.max_recipients"),
			RatePerMinute:   v.GetInt("smtp.rate_per_minute"),
		},
		IMAP: IMAPConfig{
			Enabled:     v.GetBool("imap.enabled"),
			Host:        v.GetString("imap.host"),
			Port:        v.GetInt("imap.port"),
			TLS:         v.GetBool("imap.tls"),
			Username:    v.GetString("imap.username"),
			Password:    v.GetString("imap.password"),
			Mailbox:     v.GetString("imap.mailbox"),
			Schedule:    v.GetString("imap.schedule"),
			DialTimeout: imapDialTimeout,
			MarkSeen:    v.GetBool("imap.mark_seen"),
		},
		Mailer: MailerConfig{
			Host:          v.GetString("mailer.host"),
			Port:          v.GetInt("mailer.port"),
			Username:      v.GetString("mailer.username"),
			Password:      v.GetString("mailer.password"),
			TemplateDir:   v.GetString("mailer.template_dir"),
			RatePerSecond: v.GetFloat64("mailer.rate_per_second"),
			Burst:         v.GetInt("mailer.burst"),
			Disabled:      v.GetBool("mailer.disabled"),
		},
		Helpdesk: HelpdeskConfig{
			EnvID:                   v.GetString("helpdesk.env_id"),
			EnvName:                 v.GetString("helpdesk.env_name"),
			TicketMarker:            marker,
			SupportRecipients:       parseList(v.GetString("helpdesk.support_recipients")),
			DefaultSupportRecipient: v.GetString("helpdesk.default_support_recipient"),
			BaseURL:                 strings.TrimRight(v.GetString("helpdesk.base_url"), "/"),
			EmailUserName:           v.GetString("helpdesk.email_user_name"),
			WatcherEmail:            v.GetString("helpdesk.watcher_email"),
			DeadLetterDir:           v.GetString("helpdesk.dead_letter_dir"),
			IOTimeout:               ioTimeout,
			UploadRetries:           v.GetInt("helpdesk.upload_retries"),
			SanitizeHTML:            v.GetBool("helpdesk.sanitize_html"),
			NotifyWorkers:           v.GetInt("helpdesk.notify_workers"),
			NotifyQueueSize:         v.GetInt("helpdesk.notify_queue_size"),
			AdminEmail:              v.GetString("helpdesk.admin_email"),
			AdminPassword:           v.GetString("helpdesk.admin_password"),
		},
		Storage: StorageConfig{
			Driver:    driver,
			DrivePath: v.GetString("storage.drive_path"),
			UseCache:  v.GetBool("storage.use_cache"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
			MaxSize:     v.GetInt("log.max_size"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAge:      v.GetInt("log.max_age"),
			Compress:    v.GetBool("log.compress"),
		},
		Database: DatabaseConfig{
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			TTL:      cacheTTL,
		},
		JWT: JWTConfig{
			Secret:       jwtSecret,
			Issuer:       v.GetString("jwt.issuer"),
			AccessExpiry: accessExpiry,
			CookieName:   v.GetString("jwt.cookie_name"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)

	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.bind_addr", ":2525")
	v.SetDefault("smtp.domain", "localhost")
	v.SetDefault("smtp.max_message_bytes", 25*1024*1024)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.rate_per_minute", 60)

	v.SetDefault("imap.enabled", false)
	v.SetDefault("imap.host", "")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("imap.schedule", "@every 30s")
	v.SetDefault("imap.dial_timeout", "10s")
	v.SetDefault("imap.mark_seen", true)

	v.SetDefault("mailer.host", "localhost")
	v.SetDefault("mailer.port", 587)
	v.SetDefault("mailer.template_dir", "")
	v.SetDefault("mailer.rate_per_second", 5)
	v.SetDefault("mailer.burst", 10)
	v.SetDefault("mailer.disabled", false)

	v.SetDefault("helpdesk.env_id", "productionenv")
	v.SetDefault("helpdesk.env_name", "Production")
	v.SetDefault("helpdesk.ticket_marker", "Ticket:")
	v.SetDefault("helpdesk.support_recipients", "")
	v.SetDefault("helpdesk.default_support_recipient", "support@localhost")
	v.SetDefault("helpdesk.base_url", "http://localhost:3000")
	v.SetDefault("helpdesk.email_user_name", "Helpdesk")
	v.SetDefault("helpdesk.watcher_email", "helpdesk@localhost")
	v.SetDefault("helpdesk.dead_letter_dir", "./data/errors")
	v.SetDefault("helpdesk.io_timeout", "10s")
	v.SetDefault("helpdesk.upload_retries", 2)
	v.SetDefault("helpdesk.sanitize_html", true)
	v.SetDefault("helpdesk.notify_workers", 4)
	v.SetDefault("helpdesk.notify_queue_size", 256)
	v.SetDefault("helpdesk.admin_email", "")
	v.SetDefault("helpdesk.admin_password", "")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.drive_path", "./data/drive")
	v.SetDefault("storage.use_cache", false)

	v.SetDefault("cors.allowed_origins", "*")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("jwt.secret", defaultJWTSecret)
	v.SetDefault("jwt.issuer", "helpdesk")
	v.SetDefault("jwt.access_expiry", "12h")
	v.SetDefault("jwt.cookie_name", "access_token")
}

// parseDuration 解析时长，失败时使用默认值
func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件，文件不存在时静默忽略；已存在的环境变量不会被覆盖
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
