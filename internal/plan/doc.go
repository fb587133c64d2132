// Package plan 实现交易计划的执行编排核心：一个计划由零个或多个授权交易
// （approval step）加一个主交易（main step）组成，Executor 驱动钱包按顺序
// 完成签名与确认，并对外暴露派生的 UI 门控状态。每个已附加的计划对应一个
// 独立的执行会话（Session），互不共享任何可变状态。
package plan
