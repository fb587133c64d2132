// Package agent 把用户请求的操作翻译为可执行的交易计划。
//
// 操作采用带标签的命令语法：每种操作是一个枚举的 Kind，携带该 Kind
// 所需的字段并在构建前完成校验，而不是对自由文本做模式匹配。
// 每个 Builder 负责一类操作，产出预览数据与按执行顺序排列的 TxPlan。
package agent
