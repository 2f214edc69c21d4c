package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/application"
	"github.com/pyrolink/pyrolink/internal/infrastructure/config"
	"github.com/pyrolink/pyrolink/internal/infrastructure/logger"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

const (
	appName    = "pyrolink-edge"
	appVersion = "0.1.0"
)

// 退出码: 0 正常退出, 1 配置错误, 2 BLE 栈致命错误
const (
	exitConfig = 1
	exitFatal  = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "PyroLink edge agent",
		Long:  "PyroLink 边缘端: BLE 采集消防员穿戴传感器, 本地落盘并广播到服务端",
		RunE:  runEdge,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "启动边缘端 (默认)",
		RunE:  runEdge,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "查询本机运行状态",
		RunE:  runStatus,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runEdge(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer log.Sync()

	log.Info("Starting PyroLink edge",
		zap.String("name", appName),
		zap.String("version", appVersion),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewEdgeApp(cfg, log)
	if err != nil {
		log.Error("Failed to initialize application", zap.Error(err))
		if apperrors.IsFatal(err) {
			os.Exit(exitFatal)
		}
		os.Exit(exitConfig)
	}

	if err := app.Start(ctx); err != nil {
		log.Error("Failed to start application", zap.Error(err))
		os.Exit(exitFatal)
	}

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Edge stopped successfully")
	return nil
}

// runStatus 访问本机状态端口并打印 /healthz 响应
func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	url := fmt.Sprintf("http://%s:%d/healthz", cfg.Edge.StatusHost, cfg.Edge.StatusPort)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("edge not reachable at %s: %w", url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("unexpected status response: %w", err)
	}

	out, _ := json.MarshalIndent(body, "", "  ")
	fmt.Println(string(out))
	return nil
}
