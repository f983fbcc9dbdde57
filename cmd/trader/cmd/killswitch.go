package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"auto-trader-go/config"
	"auto-trader-go/order"
	"auto-trader-go/risk"
)

var (
	ksOperator string
	ksNote     string
)

var killswitchCmd = &cobra.Command{
	Use:   "killswitch",
	Short: "查看或复位熔断开关",
}

var ksStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "显示当前熔断状态",
	RunE: func(cmd *cobra.Command, args []string) error {
		ks, ledger, err := openKillSwitch()
		if err != nil {
			return err
		}
		defer ledger.Close()

		if !ks.Tripped() {
			fmt.Println("ARMED")
			return nil
		}
		reason, at := ks.Reason()
		fmt.Printf("TRIPPED reason=%s at=%s\n", reason, at.Format("2006-01-02T15:04:05Z07:00"))
		return nil
	},
}

var ksResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "人工复位熔断开关（必须提供操作人）",
	RunE: func(cmd *cobra.Command, args []string) error {
		ks, ledger, err := openKillSwitch()
		if err != nil {
			return err
		}
		defer ledger.Close()

		if err := ks.Reset(ksOperator, ksNote); err != nil {
			return err
		}
		fmt.Printf("kill switch reset to ARMED by %s\n", ksOperator)
		return nil
	},
}

func init() {
	ksResetCmd.Flags().StringVar(&ksOperator, "operator", "", "操作人（必填，写入审计记录）")
	ksResetCmd.Flags().StringVar(&ksNote, "note", "", "复位原因备注")
	_ = ksResetCmd.MarkFlagRequired("operator")
	killswitchCmd.AddCommand(ksStatusCmd, ksResetCmd)
	rootCmd.AddCommand(killswitchCmd)
}

func openKillSwitch() (*risk.KillSwitch, *order.Ledger, error) {
	cfg, err := config.LoadWithEnvOverrides(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := order.OpenLedger(cfg.OMS.LedgerPath)
	if err != nil {
		return nil, nil, err
	}
	ks := risk.NewKillSwitch(nil, nil, nil, ledger, nil)
	if err := ks.Restore(); err != nil {
		ledger.Close()
		return nil, nil, err
	}
	return ks, ledger, nil
}
