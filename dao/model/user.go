package model

import (
	"gorm.io/gorm"
)

// User is the basic entity of the system
type User struct {
	gorm.Model
	Name     string  `gorm:"uniqueIndex;type:varchar(64);not null;comment:用户名"`
	Nickname *string `gorm:"type:varchar(64);comment:昵称"`
	Email    *string `gorm:"type:varchar(128);comment:邮箱"`
	Status   Status  `gorm:"type:varchar(32);not null;default:active;comment:用户状态 (active, inactive)"`
}
