// Package cmd 交易守护进程的命令行入口。
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "自动交易核心：信号过滤、风控、订单管理与对账",
	Long: `trader 把上游信号经过防过度交易过滤、风控 sizing 与限额检查，
转成幂等订单提交给经纪商，并持续对账本地台账与经纪商侧状态。

子命令：
  run        启动交易守护进程（live/paper）
  backtest   用历史 K 线与信号文件回放交易链路
  killswitch 查看或人工复位熔断开关`,
	SilenceUsage: true,
}

// Execute 运行根命令
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "configs/trader.yaml", "配置文件路径")
}
