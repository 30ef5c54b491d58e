package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3Eeeecho/go-deliverables/cmd/server"
	"github.com/3Eeeecho/go-deliverables/internal/config"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

var configPath string

// @title go-deliverables API
// @version 1.0
// @description 视频交付物的分片上传与组装服务
// @host localhost:8080
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "deliverables",
	Short:         "Chunked upload and assembly service for video deliverables",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径，默认查找 ./config.yaml")

	tokenCmd.Flags().String("owner", "", "token 中的 ownerId")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token 有效期")
	_ = tokenCmd.MarkFlagRequired("owner")

	rootCmd.AddCommand(serveCmd, sweepCmd, tokenCmd, versionCmd)
}

// loadConfig 加载配置并初始化日志系统
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置出错: %w", err)
	}
	logger.InitLogger(cfg.Log.OutputPath, cfg.Log.ErrorPath, cfg.Log.Level)
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP 服务和后台清理任务",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync() // 确保在应用退出时刷新所有缓冲的日志条目

		logger.Info("启动交付物上传服务...", zap.String("version", version))

		// 创建并构建应用服务器实例
		srv, err := server.NewServer(cmd.Context(), cfg)
		if err != nil {
			logger.Error("无法启动应用程序", zap.Error(err))
			return err
		}

		// 创建一个通道用于接收停止信号
		stopChan := make(chan os.Signal, 1)
		signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopChan)

		if err := srv.Run(cmd.Context(), stopChan); err != nil {
			return err
		}
		logger.Info("交付物上传服务已退出。")
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "执行一轮清理：超时会话失败、分片删除、过期记录回收",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv, err := server.NewServer(ctx, cfg)
		if err != nil {
			return err
		}
		report, err := srv.SweepOnce(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "timed out: %d, purged: %d, expired: %d\n", report.TimedOut, report.Purged, report.Expired)
		return err
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发用于联调的 JWT",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if cfg.JWT.SecretKey == "" {
			return fmt.Errorf("jwt.secret_key 未配置")
		}
		owner, _ := cmd.Flags().GetString("owner")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := utils.GenerateToken(owner, cfg.JWT.SecretKey, cfg.JWT.Issuer, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本号",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}
