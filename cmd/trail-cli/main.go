package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/yuqie6/WorkTrail/internal/bootstrap"
	"github.com/yuqie6/WorkTrail/internal/dto"
	"github.com/yuqie6/WorkTrail/internal/httpapi"
	"github.com/yuqie6/WorkTrail/internal/pkg/buildinfo"
	"github.com/yuqie6/WorkTrail/internal/pkg/config"
	"github.com/yuqie6/WorkTrail/internal/repository"
	"github.com/yuqie6/WorkTrail/internal/schema"
)

var (
	cfgFile  string
	jsonMode bool
	core     *bootstrap.Core
)

// 不需要数据库的命令
const skipCore = "skip-core"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "trail",
		Short:         "WorkTrail - 数据变更审计与版本历史",
		Long:          `WorkTrail 为被跟踪的实体记录每一次创建、更新与删除，支持按时间回看、还原与按工作单元归组。`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipCore] == "true" {
				return nil
			}
			var err error
			core, err = bootstrap.NewCore(cfgFile)
			if err != nil {
				return fmt.Errorf("初始化失败: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if core != nil {
				_ = core.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&jsonMode, "json", false, "以 JSON 输出")

	rootCmd.AddCommand(initConfigCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionsCmd())
	rootCmd.AddCommand(recentCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(txCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func initConfigCmd() *cobra.Command {
	var path string
	var force bool

	cmd := &cobra.Command{
		Use:         "init-config",
		Short:       "写出默认配置文件",
		Annotations: map[string]string{skipCore: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				p, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				path = p
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("配置文件已存在: %s（使用 --force 覆盖）", path)
			}
			if err := config.WriteFile(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ 已写入 %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "path", "p", "", "输出路径（默认与可执行文件同目录）")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "覆盖已存在的文件")
	return cmd
}

// migrateCmd 建表由初始化数据库完成，这里只汇报结果
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "创建或升级 versions 与 version_associations 表",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := core.RequireWritable(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ 迁移完成 (driver=%s, schema_version=%d)\n", core.DB.Driver, core.DB.SchemaVersion)
			return nil
		},
	}
}

func versionsCmd() *cobra.Command {
	var itemType, from, to string
	var itemID int64

	cmd := &cobra.Command{
		Use:   "versions",
		Short: "按时间顺序列出实体的版本，可用 --from/--to 限定区间",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				versions []schema.Version
				err      error
			)
			if from != "" || to != "" {
				start, end, perr := repository.ParseRange(from, to, time.Now())
				if perr != nil {
					return perr
				}
				versions, err = core.Repos.Versions.Between(ctx, itemType, itemID, start, end)
			} else {
				versions, err = core.Repos.Versions.ListByItem(ctx, itemType, itemID)
			}
			if err != nil {
				return err
			}
			if len(versions) == 0 && !jsonMode {
				fmt.Fprintf(cmd.OutOrStdout(), "📚 %s#%d 没有版本记录\n", itemType, itemID)
				return nil
			}
			return printVersions(cmd, versions)
		},
	}

	cmd.Flags().StringVarP(&itemType, "type", "t", "", "实体类型")
	cmd.Flags().Int64VarP(&itemID, "id", "i", 0, "实体 ID")
	cmd.Flags().StringVar(&from, "from", "", "起点（RFC3339 或 YYYY-MM-DD）")
	cmd.Flags().StringVar(&to, "to", "", "终点（RFC3339 或 YYYY-MM-DD）")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func recentCmd() *cobra.Command {
	var itemType string
	var limit int

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "列出最近写入的版本",
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := core.Repos.Versions.ListRecent(cmd.Context(), itemType, limit)
			if err != nil {
				return err
			}
			return printVersions(cmd, versions)
		},
	}

	cmd.Flags().StringVarP(&itemType, "type", "t", "", "只看某类实体")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "返回条数")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <version-id>",
		Short: "展示单个版本的快照与变化",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("版本 ID 无效: %s", args[0])
			}
			ctx := cmd.Context()
			v, err := core.Repos.Versions.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if v == nil {
				return fmt.Errorf("版本 %d 不存在", id)
			}

			detail := dto.VersionDetailDTO{VersionDTO: dto.FromVersion(*v)}
			if core.Trail != nil {
				decoded, err := core.Trail.Decode(v)
				if err != nil {
					return err
				}
				detail.Object = decoded.Object
				detail.Changes = decoded.Changes
			}
			assocs, err := core.Repos.Associations.ListByVersionID(ctx, v.ID)
			if err != nil {
				return err
			}
			detail.Associations = dto.FromAssociations(assocs)

			if jsonMode {
				return writeJSON(cmd, detail)
			}
			out := cmd.OutOrStdout()
			printVersionLine(cmd, detail.VersionDTO)
			fmt.Fprintln(out, "═══════════════════════════════════════")
			if len(detail.Object) > 0 {
				fmt.Fprintln(out, "\n📄 变更前快照")
				for _, k := range sortedKeys(detail.Object) {
					fmt.Fprintf(out, "  %s: %v\n", k, detail.Object[k])
				}
			}
			if len(detail.Changes) > 0 {
				fmt.Fprintln(out, "\n✏️ 变化")
				for _, k := range sortedKeys(detail.Changes) {
					pair, _ := detail.Changes[k].([]any)
					if len(pair) == 2 {
						fmt.Fprintf(out, "  %s: %v → %v\n", k, pair[0], pair[1])
					} else {
						fmt.Fprintf(out, "  %s: %v\n", k, detail.Changes[k])
					}
				}
			}
			if len(detail.Metadata) > 0 {
				fmt.Fprintln(out, "\n🏷️ 元数据")
				for _, k := range sortedKeys(detail.Metadata) {
					fmt.Fprintf(out, "  %s: %v\n", k, detail.Metadata[k])
				}
			}
			if len(detail.Associations) > 0 {
				fmt.Fprintln(out, "\n🔗 关联")
				for _, a := range detail.Associations {
					fmt.Fprintf(out, "  %s: %s\n", a.ForeignKeyName, formatID(a.ForeignKeyID))
				}
			}
			return nil
		},
	}
}

func txCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tx <transaction-id>",
		Short: "列出同一工作单元内的全部版本",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("transaction ID 无效: %s", args[0])
			}
			ctx := cmd.Context()
			versions, err := core.Repos.Versions.ListByTransaction(ctx, id)
			if err != nil {
				return err
			}
			assocs, err := core.Repos.Associations.ListByTransactionID(ctx, id)
			if err != nil {
				return err
			}
			if jsonMode {
				return writeJSON(cmd, dto.TransactionDTO{
					TransactionID: id,
					Versions:      dto.FromVersions(versions),
					Associations:  dto.FromAssociations(assocs),
				})
			}
			if err := printVersions(cmd, versions); err != nil {
				return err
			}
			for _, a := range assocs {
				fmt.Fprintf(cmd.OutOrStdout(), "  🔗 %s: %s\n", a.ForeignKeyName, formatID(a.ForeignKeyID))
			}
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动只读查询 HTTP 服务与版本事件转发",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			core.Start(ctx)
			srv, err := httpapi.Start(ctx, core, httpapi.Options{ListenAddr: addr})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🚀 %s 已启动: %s\n", core.Cfg.App.Name, srv.BaseURL())

			<-ctx.Done()
			slog.Info("正在关闭...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8787", "监听地址")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "显示版本号",
		Annotations: map[string]string{skipCore: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}

func printVersions(cmd *cobra.Command, versions []schema.Version) error {
	items := dto.FromVersions(versions)
	if jsonMode {
		return writeJSON(cmd, items)
	}
	for _, v := range items {
		printVersionLine(cmd, v)
	}
	return nil
}

func printVersionLine(cmd *cobra.Command, v dto.VersionDTO) {
	actor := v.Whodunnit
	if actor == "" {
		actor = "-"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "#%-6d %-7s %s#%d  by %s  tx=%s  %s\n",
		v.ID, v.Event, v.ItemType, v.ItemID, actor, formatID(v.TransactionID), v.CreatedAt)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatID(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
