package domain

// OperatorRole 操作员角色
type OperatorRole string

const (
	OperatorRoleOperator OperatorRole = "operator" // 可执行库存变更
	OperatorRoleAdmin    OperatorRole = "admin"    // 额外可建档、上下架
)

// Valid 判断角色是否合法
func (r OperatorRole) Valid() bool {
	return r == OperatorRoleOperator || r == OperatorRoleAdmin
}

// Operator 已认证的调用方，ID 写入每条库存变更的 operator_id
type Operator struct {
	ID   string       `json:"id"`
	Role OperatorRole `json:"role"`
}

// IsAdmin 判断是否为管理员
func (o *Operator) IsAdmin() bool {
	return o != nil && o.Role == OperatorRoleAdmin
}
