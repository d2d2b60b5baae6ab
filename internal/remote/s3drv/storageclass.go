package s3drv

import s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

func storageClass(name string) s3types.StorageClass {
	return s3types.StorageClass(name)
}
