// Package mysql 提供计划执行审计记录的持久化：每个会话到达终态
// （主交易成功或执行失败）时写入一条记录，包含逐步骤的结果。提供基于
// 本地 JSON 文件的内存实现（便于开发）与真正的 MySQL 实现。
package mysql
