package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"listmail/backend/internal/app"
	jwtpkg "listmail/backend/internal/auth/jwt"
	"listmail/backend/internal/config"
	"listmail/backend/internal/logger"
	"listmail/backend/internal/service"
	"listmail/backend/internal/storage"
)

const commandTimeout = 2 * time.Minute

// runtime 命令共享的依赖，测试中替换 loadConfig 与输出
type runtime struct {
	loadConfig func() (*config.Config, error)
	out        io.Writer
	log        *zap.Logger
}

func defaultRuntime() *runtime {
	return &runtime{loadConfig: config.Load, out: os.Stdout}
}

func newRootCommand(rt *runtime) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "mailctl",
		Short:         "邮件列表服务运维工具",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.out == nil {
				rt.out = os.Stdout
			}
			if rt.log == nil {
				if verbose {
					rt.log = logger.NewDevelopmentLogger()
				} else {
					rt.log = zap.NewNop()
				}
			}
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "输出调试日志")

	root.AddCommand(
		newSendTestCommand(rt),
		newPublicKeyCommand(rt),
		newTokenCommand(rt),
		newListCommand(rt),
	)
	return root
}

// openStack 打开存储与发信组件并写入配置中的默认设置
func (rt *runtime) openStack(ctx context.Context) (*config.Config, storage.Store, *app.MailStack, *service.SettingsService, error) {
	cfg, err := rt.loadConfig()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := app.OpenStore(cfg, rt.log)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	stack, err := app.NewMailStack(cfg, store, nil, rt.log)
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, err
	}
	settings := service.NewSettingsService(store, stack.Transport, rt.log)
	if err := app.SeedSettings(ctx, settings, cfg, rt.log); err != nil {
		stack.Transport.Close()
		store.Close()
		return nil, nil, nil, nil, err
	}
	return cfg, store, stack, settings, nil
}

func newSendTestCommand(rt *runtime) *cobra.Command {
	var to, subject string
	cmd := &cobra.Command{
		Use:   "send-test",
		Short: "使用当前传输设置同步发送测试邮件",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			_, store, stack, settings, err := rt.openStack(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			defer stack.Transport.Close()

			if err := settings.SendTestMail(ctx, to, subject); err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "测试邮件已发送到 %s\n", to)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "收件地址")
	cmd.Flags().StringVar(&subject, "subject", "", "邮件主题")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newPublicKeyCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "publickey",
		Short: "输出签名私钥对应的 ASCII armored 公钥",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			_, store, stack, _, err := rt.openStack(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			defer stack.Transport.Close()

			key, err := stack.Transport.PublicKey(ctx)
			if err != nil {
				return err
			}
			_, err = rt.out.Write(key)
			return err
		},
	}
}

func newTokenCommand(rt *runtime) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "签发管理接口使用的 JWT",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rt.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			manager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry)
			token, expiresAt, err := manager.GenerateToken(subject, jwtpkg.RoleAdmin)
			if err != nil {
				return err
			}
			fmt.Fprintln(rt.out, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "有效期至 %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "令牌主体")
	return cmd
}

func newListCommand(rt *runtime) *cobra.Command {
	list := &cobra.Command{
		Use:   "list",
		Short: "管理邮件列表",
	}

	var name, cid string
	add := &cobra.Command{
		Use:   "add",
		Short: "创建邮件列表",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rt.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := app.OpenStore(cfg, rt.log)
			if err != nil {
				return err
			}
			defer store.Close()

			created, err := app.CreateList(cmd.Context(), store, name, cid)
			if err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "%s\t%s\n", created.CID, created.Name)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "列表名称")
	add.Flags().StringVar(&cid, "cid", "", "公开标识，留空自动生成")
	_ = add.MarkFlagRequired("name")

	list.AddCommand(add)
	return list
}
