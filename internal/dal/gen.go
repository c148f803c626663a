package dal

import (
	"gorm.io/gen"
	"gorm.io/gorm"
)

// GenExecute 为 Models 生成 gorm-gen 查询代码
// 命令使用: roster_optimizer gen --out internal/dal/query
func GenExecute(outPath string, db *gorm.DB) {
	g := gen.NewGenerator(genConfig(outPath))

	// 设置数据库
	g.UseDB(db)

	// 应用模型生成查询接口
	g.ApplyBasic(Models...)

	g.Execute()
}

// genConfig 查询方法带 context，便于和 DAO 的超时控制配合
func genConfig(outPath string) gen.Config {
	return gen.Config{
		OutPath:       outPath,
		Mode:          gen.WithDefaultQuery | gen.WithQueryInterface,
		FieldNullable: true,
	}
}
