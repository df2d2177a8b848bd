// Package api 暴露渲染服务的 REST 接口：任务提交、状态查询、取消、
// 列表统计与产物下载。产物直接在 HTTP 协程上流式返回，不占用渲染工作协程。
package api
